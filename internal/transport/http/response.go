package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`           // 业务状态码，与 HTTP 状态码一致
	Msg  string      `json:"msg"`            // 中文提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// 业务状态码
const (
	CodeSuccess = 200
	CodeCreated = 201

	CodeBadRequest = 400
	CodeForbidden  = 403
	CodeNotFound   = 404
	CodeConflict   = 409
	CodeGone       = 410 // 邮箱已过期但尚未被清理

	CodeInternalError       = 500
	CodeBadGateway          = 502 // 发件网关投递失败
	CodeServiceUnavailable  = 503 // 实时订阅不可用
	CodeInsufficientStorage = 507 // 邮箱容量已满
)

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: CodeSuccess, Msg: "成功", Data: data})
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: CodeCreated, Msg: "创建成功", Data: data})
}

// NoContent 删除成功，无响应体
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest 请求体无法解析
func BadRequest(c *gin.Context, msg string) {
	Error(c, CodeBadRequest, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	Error(c, CodeInternalError, msg)
}

// Error 错误响应，业务码即 HTTP 状态码
func Error(c *gin.Context, code int, msg string) {
	c.JSON(code, Response{Code: code, Msg: msg})
}
