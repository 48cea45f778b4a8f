package log

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	FieldNameComponent = "component"
	FieldNameSessionID = "sessionID"
	FieldNameRemote    = "remote"
	FieldNameUIN       = "uin"
)

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldRemote 返回对端地址字段。
func FieldRemote(addr fmt.Stringer) zap.Field {
	if addr == nil {
		return zap.Skip()
	}
	return zap.Stringer(FieldNameRemote, addr)
}

// FieldUIN 返回用户 UIN 字段，UIN 以 id+kind 形式输出。
func FieldUIN(uin fmt.Stringer) zap.Field {
	return zap.Stringer(FieldNameUIN, uin)
}
