package types

import "strings"

// UserFlags 是用户记录上的标志位集合。
type UserFlags uint32

const (
	FlagAdmin UserFlags = 1 << iota
	FlagFrozen
	FlagReceiveNBNorns
	FlagReceiveGeats
	FlagNoRandom
	FlagUnlisted
	FlagMutedChat
)

var flagNames = []struct {
	flag UserFlags
	name string
}{
	{FlagAdmin, "admin"},
	{FlagFrozen, "frozen"},
	{FlagReceiveNBNorns, "receive-nb-norns"},
	{FlagReceiveGeats, "receive-geats"},
	{FlagNoRandom, "no-random"},
	{FlagUnlisted, "unlisted"},
	{FlagMutedChat, "muted-chat"},
}

// Has 判断 f 是否包含 other 中的全部标志。
func (f UserFlags) Has(other UserFlags) bool {
	return f&other == other
}

func (f UserFlags) With(other UserFlags) UserFlags {
	return f | other
}

func (f UserFlags) Without(other UserFlags) UserFlags {
	return f &^ other
}

func (f UserFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
