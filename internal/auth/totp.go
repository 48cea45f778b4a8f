package auth

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec RFC 6238 默认算法
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// TOTPVerifier 校验二次验证码。
type TOTPVerifier interface {
	VerifyTOTP(secret, code string) bool
}

// TOTP 实现 RFC 6238（HMAC-SHA1）。Skew 为允许的前后时间片数量。
type TOTP struct {
	Period time.Duration
	Digits int
	Skew   int
	Now    func() time.Time
}

func NewTOTP() *TOTP {
	return &TOTP{Period: 30 * time.Second, Digits: 6, Skew: 1, Now: time.Now}
}

// Code 计算 at 时刻的验证码，secret 为 base32（可省略填充）。
func (t *TOTP) Code(secret string, at time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return t.codeAt(key, uint64(at.Unix())/uint64(t.Period/time.Second)), nil
}

func (t *TOTP) VerifyTOTP(secret, code string) bool {
	key, err := decodeSecret(secret)
	if err != nil || len(code) != t.Digits {
		return false
	}
	now := t.Now
	if now == nil {
		now = time.Now
	}
	counter := int64(uint64(now().Unix()) / uint64(t.Period/time.Second))
	for d := -t.Skew; d <= t.Skew; d++ {
		c := counter + int64(d)
		if c < 0 {
			continue
		}
		want := t.codeAt(key, uint64(c))
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

func (t *TOTP) codeAt(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	mod := uint32(1)
	for i := 0; i < t.Digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", t.Digits, bin%mod)
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	s = strings.TrimRight(s, "=")
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil || len(key) == 0 {
		return nil, merr.WrapErrParameterInvalidMsg("totp secret is not valid base32")
	}
	return key, nil
}
