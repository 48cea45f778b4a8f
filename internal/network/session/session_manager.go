package session

// SessionManager 维护当前所有存活会话的索引。
//
// 职责说明：
//   - 只负责会话的注册和移除，不直接创建或关闭底层连接；
//   - Session 的生命周期由接入层决定；
//   - 接入层关闭时通过 Range 关闭全部会话，状态转储通过 Count 统计连接数。
type SessionManager interface {
	// Register 注册会话，相同 ID 已存在时返回错误。
	Register(sess Session) error

	// Unregister 只删除索引，不负责关闭会话。
	Unregister(id uint64) error

	// Range 遍历当前会话，fn 返回 false 时中断。
	Range(fn func(sess Session) bool)

	Count() int
}
