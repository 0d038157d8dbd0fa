package app

import (
	"slices"
	"strings"

	"dynbot/internal/config"
	logx "dynbot/pkg/logx"
)

// applyConfig pushes a committed config into the running services. Storage,
// the bot token and the bilibili endpoints are fixed at boot; changes there
// only produce a warning.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if slices.Contains(sections, "storage(restart)") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	// Target first so Apply does not warn when Telegram logging is enabled.
	a.logs.SetTelegramTarget(groupLogChat(newCfg), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(logConfig(newCfg))

	a.cmdm.SetAdmins(newCfg.Telegram.AdminUsernames)
	if name := strings.TrimSpace(newCfg.Telegram.BotName); name != "" && name != strings.TrimSpace(oldCfg.Telegram.BotName) {
		a.cmdm.SetBotName(name)
	}

	if clientRestartNeeded(oldCfg, newCfg) {
		a.log.Warn("bilibili client config changed; restart required for endpoint, user agent, timeout and batch cap")
	}
	a.client.SetMaxRPS(newCfg.Bilibili.MaxRPS)
	a.poll.Apply(pollerConfig(newCfg))
	a.deliv.Apply(deliveryConfig(newCfg))

	a.tokens.SetTTL(newCfg.Tokens.TokenTTL())
	if oldCfg.Tokens.Schedule() != newCfg.Tokens.Schedule() {
		if err := a.tokens.StartPruning(newCfg.Tokens.Schedule()); err != nil {
			a.log.Warn("invalid token prune schedule; keeping previous", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
