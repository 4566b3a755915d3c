package service

import "errors"

// 业务层错误分级，handler 据此映射 HTTP 状态码：
// 成员校验失败不可重试，参数问题直接暴露，resync 锚点失效让客户端回退全量拉取。
var (
	ErrNotMember          = errors.New("not a room member")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrStaleSince         = errors.New("unknown since message")
	ErrRoomNotFound       = errors.New("room not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrSelfRoom           = errors.New("cannot open a private room with yourself")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
