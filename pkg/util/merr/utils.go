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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case warpError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(warpError); ok {
		return err.retriable
	}

	return false
}

// IsCanceledOrTimeout 判断错误是否源于 ctx 取消或超时。
func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// IsAuthError 判断错误是否属于认证失败一族。
// 注册次数耗尽也按认证失败对外呈现。
func IsAuthError(err error) bool {
	return errors.IsAny(err,
		ErrAuthInvalid,
		ErrAuthFrozen,
		ErrRegistrationExhausted,
		ErrRegistrationDisabled,
	)
}

// Service 相关错误封装。
func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceTooManyUsers(limit int, msg ...string) error {
	err := wrapFields(ErrServiceTooManyUsers, value("limit", limit))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 协议相关错误封装。
func WrapErrProtocol(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrProtocol, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrPacketTooLarge(size, limit int64, msg ...string) error {
	err := wrapFields(ErrPacketTooLarge, bound("size", size, 0, limit))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTransport(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	wrapped := wrapFieldsWithDesc(ErrTransport, err.Error())
	if len(msg) > 0 {
		wrapped = errors.Wrap(wrapped, strings.Join(msg, "->"))
	}
	return wrapped
}

func WrapErrClientOutdated(version, required string) error {
	return wrapFields(ErrClientOutdated, value("version", version), value("required", required))
}

// 认证相关错误封装。
func WrapErrAuthInvalid(user string, msg ...string) error {
	err := wrapFields(ErrAuthInvalid, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthFrozen(user string) error {
	return wrapFields(ErrAuthFrozen, value("user", user))
}

func WrapErrRegistrationExhausted(user string, attempts uint) error {
	return wrapFields(ErrRegistrationExhausted, value("user", user), value("attempts", attempts))
}

func WrapErrAlreadyLoggedIn(uin any) error {
	return wrapFields(ErrAlreadyLoggedIn, value("uin", uin))
}

// 用户数据相关错误封装。
func WrapErrUserNotFound[T any](key T, msg ...string) error {
	err := wrapFields(ErrUserNotFound, value("user", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrDuplicateUIN(uin any) error {
	return wrapFields(ErrDuplicateUIN, value("uin", uin))
}

func WrapErrDuplicateNickname(nickname string) error {
	return wrapFields(ErrDuplicateNickname, value("nickname", nickname))
}

func WrapErrNicknameInvalid(nickname string, reason string) error {
	return wrapFieldsWithDesc(ErrNicknameInvalid, reason, value("nickname", nickname))
}

// 投递相关错误封装。
func WrapErrDeliveryFailed(uin any, reason string) error {
	return wrapFieldsWithDesc(ErrDeliveryFailed, reason, value("uin", uin))
}

func WrapErrFirewalled(reason string) error {
	return wrapFieldsWithDesc(ErrFirewalled, reason)
}

func WrapErrMessageInvalid(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrMessageInvalid, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSpoolFailed(uin any, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrSpoolFailed, err.Error(), value("uin", uin))
}

func WrapErrPermissionDenied(actor any, action string) error {
	return wrapFields(ErrPermissionDenied, value("actor", actor), value("action", action))
}

// IO 相关错误封装。
func WrapErrIoKeyNotFound(key string, msg ...string) error {
	err := wrapFields(ErrIoKeyNotFound, value("key", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrIoFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoFailed, err.Error(), value("key", key))
}

// 参数相关错误封装。
func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err warpError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err warpError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
