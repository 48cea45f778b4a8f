package types

// FailBehaviour 决定消息无法投递（离线或确认失败）时的去向。
type FailBehaviour int

const (
	// Discard 静默丢弃。
	Discard FailBehaviour = iota
	// Spool 写入收件人的离线队列，下次登录补发。
	Spool
	// Reject 向发起方回弹一条拒收消息。
	Reject
)

func (b FailBehaviour) String() string {
	switch b {
	case Discard:
		return "discard"
	case Spool:
		return "spool"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// SendType 描述一次发送的投递语义。
type SendType struct {
	Name string
	Fail FailBehaviour
	// Confirm 为 true 时通过 ping 往返确认对端已收到，确认失败同样走 Fail。
	Confirm bool
	// IsReject 标记拒收消息本身，拒收消息永远不会再被回弹。
	IsReject bool
}

var (
	SendTransient = SendType{Name: "transient", Fail: Discard}
	SendSpooled   = SendType{Name: "spooled", Fail: Spool, Confirm: true}
	SendBounced   = SendType{Name: "bounced", Fail: Reject, Confirm: true}
	SendReject    = SendType{Name: "reject", Fail: Discard, IsReject: true}
)

// EffectiveFail 返回实际生效的失败策略：拒收消息一律按 Discard 处理。
func (t SendType) EffectiveFail() FailBehaviour {
	if t.IsReject {
		return Discard
	}
	return t.Fail
}

func (t SendType) String() string {
	return t.Name
}
