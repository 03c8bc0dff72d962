package service

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	usernameAdjectives = []string{"quick", "temp", "fast", "secure", "anon", "private"}
	usernameNouns      = []string{"mail", "box", "user", "temp", "guest", "visitor"}
)

// usernameSuffixMax 数字后缀的取值范围为 [0, usernameSuffixMax)
const usernameSuffixMax = 999

// randomSource 并发安全的随机数源
type randomSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newRandomSource(seed int64) *randomSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &randomSource{r: rand.New(rand.NewSource(seed))}
}

func (s *randomSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Intn(n)
}

// generateUsername 形容词 + 名词 + 数字后缀，例如 quickmail42
func (s *randomSource) generateUsername() string {
	adj := usernameAdjectives[s.Intn(len(usernameAdjectives))]
	noun := usernameNouns[s.Intn(len(usernameNouns))]
	return fmt.Sprintf("%s%s%d", adj, noun, s.Intn(usernameSuffixMax))
}

// pick 均匀选取一个元素
func (s *randomSource) pick(items []string) string {
	return items[s.Intn(len(items))]
}
