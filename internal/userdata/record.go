package userdata

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// MaxNicknameLen 是昵称允许的最大字符数。
const MaxNicknameLen = 32

// Record 是持久化的用户记录。
type Record struct {
	UIN          types.UIN       `json:"uin"`
	Nickname     string          `json:"nickname"`
	Folded       string          `json:"folded"`
	PasswordHash string          `json:"passwordHash"`
	Flags        types.UserFlags `json:"flags"`
	TOTPSecret   string          `json:"totpSecret,omitempty"`
}

// Store 是用户记录的持久化协作方。
// uid 与 folded nickname 均唯一，冲突时分别返回 ErrDuplicateUIN 与 ErrDuplicateNickname；
// 查不到时返回 ErrUserNotFound。
type Store interface {
	GetByUIN(ctx context.Context, uin types.UIN) (*Record, error)
	GetByNickname(ctx context.Context, folded string) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
}

// Fold 返回昵称的大小写归一化查找键。
func Fold(nickname string) string {
	return strings.ToLower(strings.TrimSpace(nickname))
}

// ValidateNickname 检查注册时的昵称。
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return merr.WrapErrNicknameInvalid(nickname, "empty")
	}
	if utf8.RuneCountInString(nickname) > MaxNicknameLen {
		return merr.WrapErrNicknameInvalid(nickname, "too long")
	}
	if strings.TrimSpace(nickname) != nickname {
		return merr.WrapErrNicknameInvalid(nickname, "leading or trailing space")
	}
	for _, r := range nickname {
		if !unicode.IsPrint(r) {
			return merr.WrapErrNicknameInvalid(nickname, "unprintable character")
		}
	}
	return nil
}
