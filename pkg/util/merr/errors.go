// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// 在这里定义叶子错误。
// WARN: 新增错误前请先确认下面已有的错误是否可以复用。
// 命名规则：Err + 相关前缀 + 错误名。
var (
	// Service 相关
	ErrServiceNotReady      = newWarpError("service not ready", 1, true)
	ErrServiceUnavailable   = newWarpError("service unavailable", 2, true)
	ErrServiceInternal      = newWarpError("service internal error", 5, false) // 不应透出到客户端
	ErrServiceTooManyUsers  = newWarpError("too many users online", 6, true)
	ErrServiceUnimplemented = newWarpError("service unimplemented", 10, false)

	// 协议 / 传输相关
	ErrProtocol       = newWarpError("protocol error", 100, false)
	ErrPacketTooLarge = newWarpError("packet too large", 101, false)
	ErrTransport      = newWarpError("transport error", 102, false)
	ErrClientOutdated = newWarpError("client version outdated", 103, false)

	// 认证相关（AuthError 族）
	ErrAuthInvalid           = newWarpError("invalid username or password", 200, false)
	ErrAuthFrozen            = newWarpError("account frozen", 201, false)
	ErrRegistrationExhausted = newWarpError("registration attempts exhausted", 202, false)
	ErrRegistrationDisabled  = newWarpError("registration disabled", 203, false)

	// 会话冲突
	ErrAlreadyLoggedIn = newWarpError("user already logged in", 300, true)

	// 用户数据相关
	ErrUserNotFound      = newWarpError("user not found", 400, false)
	ErrDuplicateUIN      = newWarpError("duplicate uin", 401, true)
	ErrDuplicateNickname = newWarpError("duplicate nickname", 402, false)
	ErrHandleReleased    = newWarpError("user handle already released", 403, false)
	ErrHandleNotLive     = newWarpError("user handle is not live", 404, false)
	ErrNicknameInvalid   = newWarpError("invalid nickname", 405, false)

	// 投递相关
	ErrDeliveryFailed = newWarpError("delivery failed", 500, true)
	ErrFirewalled     = newWarpError("message rejected by firewall", 501, false)
	ErrMessageInvalid = newWarpError("invalid message", 502, false)
	ErrSpoolFailed    = newWarpError("spool operation failed", 503, true)

	// 权限相关
	ErrPermissionDenied = newWarpError("permission denied", 600, false)

	// IO 相关
	ErrIoKeyNotFound = newWarpError("key not found", 1000, false)
	ErrIoFailed      = newWarpError("IO failed", 1001, false)

	// 参数相关
	ErrParameterInvalid = newWarpError("invalid parameter", 1100, false)
	ErrParameterMissing = newWarpError("missing parameter", 1101, false)

	// 不要导出。
	// 仅用于把未知错误转换成 warpError。
	errUnexpected = newWarpError("unexpected error", (1<<16)-1, false)
)

type warpError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newWarpError(msg string, code int32, retriable bool) warpError {
	return warpError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e warpError) code() int32 {
	return e.errCode
}

func (e warpError) Error() string {
	return e.msg
}

func (e warpError) Detail() string {
	return e.detail
}

func (e warpError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(warpError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// multiErrors 的 cause 定义为最后一个错误。
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
