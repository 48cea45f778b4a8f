package sysuser

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/lk2023060901/warp-hub-go/internal/registry"
	"github.com/lk2023060901/warp-hub-go/internal/types"
)

// 单条 who 回复最多列出的昵称数
const maxWhoNames = 20

type command struct {
	usage string
	args  int
	admin bool
	run   func(ctx context.Context, b *Bot, sender types.UIN, args []string) (string, error)
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":      {usage: "help", run: runHelp},
		"who":       {usage: "who", run: runWho},
		"random":    {usage: "random", run: runRandom},
		"whois":     {usage: "whois <nick>", args: 1, run: runWhois},
		"kick":      {usage: "kick <nick>", args: 1, admin: true, run: runKick},
		"freeze":    {usage: "freeze <nick>", args: 1, admin: true, run: setFlag(types.FlagFrozen, true)},
		"unfreeze":  {usage: "unfreeze <nick>", args: 1, admin: true, run: setFlag(types.FlagFrozen, false)},
		"mute":      {usage: "mute <nick>", args: 1, admin: true, run: setFlag(types.FlagMutedChat, true)},
		"unmute":    {usage: "unmute <nick>", args: 1, admin: true, run: setFlag(types.FlagMutedChat, false)},
		"norandom":  {usage: "norandom <nick>", args: 1, admin: true, run: setFlag(types.FlagNoRandom, true)},
		"random-on": {usage: "random-on <nick>", args: 1, admin: true, run: setFlag(types.FlagNoRandom, false)},
	}
}

func runHelp(ctx context.Context, b *Bot, sender types.UIN, _ []string) (string, error) {
	admin := b.hub.IsAdmin(ctx, sender)
	usages := lo.FilterMap(lo.Values(commands), func(c command, _ int) (string, bool) {
		return c.usage, admin || !c.admin
	})
	sort.Strings(usages)
	return "commands: " + strings.Join(usages, ", "), nil
}

func runWho(_ context.Context, b *Bot, _ types.UIN, _ []string) (string, error) {
	online := lo.Filter(b.hub.Online(), func(e registry.Entry, _ int) bool {
		return e.UIN.Kind() != types.KindSystem && !e.Flags.Has(types.FlagUnlisted)
	})
	names := lo.Map(online, func(e registry.Entry, _ int) string { return e.Nickname })
	out := fmt.Sprintf("%d online", len(names))
	if len(names) == 0 {
		return out, nil
	}
	if len(names) > maxWhoNames {
		names = append(names[:maxWhoNames], "...")
	}
	return out + ": " + strings.Join(names, ", "), nil
}

func runRandom(ctx context.Context, b *Bot, sender types.UIN, _ []string) (string, error) {
	uin, ok := b.hub.RandomOnlineUIN(sender)
	if !ok {
		return "nobody else is around", nil
	}
	info, _, err := b.hub.UserInfo(ctx, uin)
	if err != nil {
		return "", err
	}
	return "try saying hello to " + info.Nickname(), nil
}

func runWhois(ctx context.Context, b *Bot, _ types.UIN, args []string) (string, error) {
	uin, err := b.hub.LookupNickname(ctx, args[0])
	if err != nil {
		return "", err
	}
	info, online, err := b.hub.UserInfo(ctx, uin)
	if err != nil {
		return "", err
	}
	status := "offline"
	if online {
		status = "online"
	}
	return fmt.Sprintf("%s is %s, %s, flags %s", info.Nickname(), uin, status, info.Flags()), nil
}

func runKick(ctx context.Context, b *Bot, _ types.UIN, args []string) (string, error) {
	uin, err := b.hub.LookupNickname(ctx, args[0])
	if err != nil {
		return "", err
	}
	if !b.hub.Kick(uin, "kicked by administrator") {
		return args[0] + " is not online", nil
	}
	return "kicked " + args[0], nil
}

func setFlag(flag types.UserFlags, on bool) func(context.Context, *Bot, types.UIN, []string) (string, error) {
	return func(ctx context.Context, b *Bot, sender types.UIN, args []string) (string, error) {
		target, err := b.hub.LookupNickname(ctx, args[0])
		if err != nil {
			return "", err
		}
		var set, unset types.UserFlags
		if on {
			set = flag
		} else {
			unset = flag
		}
		flags, err := b.hub.SetUserFlags(ctx, sender, target, set, unset)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s flags now %s", args[0], flags), nil
	}
}
