package auth

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"
)

// PasswordVerifier 校验明文密码与存储的哈希是否匹配。
type PasswordVerifier interface {
	Verify(hash, password string) bool
}

// PasswordHasher 在校验之外还能为新注册用户生成哈希。
type PasswordHasher interface {
	PasswordVerifier
	Hash(password string) (string, error)
}

// BcryptHasher 基于 bcrypt 的密码哈希。
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(b), nil
}

func (h *BcryptHasher) Verify(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// SplitSecondFactor 拆分 "password:code" 形式的密码字段。
// 以最后一个冒号为界，没有冒号时 code 为空。
func SplitSecondFactor(field string) (password, code string) {
	idx := strings.LastIndexByte(field, ':')
	if idx < 0 {
		return field, ""
	}
	return field[:idx], field[idx+1:]
}
