package network

import "go.uber.org/zap"

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageAccept    Stage = "accept"
	StageHandshake Stage = "handshake"
	StageLogin     Stage = "login"
	StageRecv      Stage = "recv"     // 读取包头与包体
	StageDispatch  Stage = "dispatch" // Packet -> hub 调用
	StageSend      Stage = "send"     // 写出到对端
	StageCleanup   Stage = "cleanup"
)

// Field 返回日志字段。
func (s Stage) Field() zap.Field {
	return zap.String("stage", string(s))
}
