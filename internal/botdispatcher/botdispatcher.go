// Package botdispatcher implements C11: parses chat messages addressed
// to the bot's own QQ, routes them to user or admin commands, and
// formats replies. Grounded on the teacher's HTTP-handler dispatch shape
// (a single entrypoint, a switch over a parsed verb), adapted from
// net/http routing to chat-frame routing, with command parsing done via
// gjson per spec §9's "opaque passthrough" guidance rather than a
// strict event struct.
package botdispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lieyanc/FireFrp/internal/config"
	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/frps"
	"github.com/lieyanc/FireFrp/internal/model"
	"github.com/lieyanc/FireFrp/internal/motdprobe"
	"github.com/lieyanc/FireFrp/internal/version"
)

const (
	perUserOpenCap    = 3
	perGroupHourlyCap = 10
	minTTLMinutes     = 5
)

// aliasToCanonical maps every recognised token, Latin or localized, to
// its canonical command name (spec §4.11).
var aliasToCanonical = map[string]string{
	"open": "open", "开服": "open",
	"status": "status", "状态": "status",
	"list": "list", "列表": "list",
	"help": "help", "帮助": "help",
	"tunnels": "tunnels", "隧道列表": "tunnels",
	"kick": "kick", "踢掉": "kick",
	"groups": "groups", "群列表": "groups",
	"addgroup": "addgroup", "加群": "addgroup",
	"rmgroup": "rmgroup", "移群": "rmgroup",
	"server": "server", "服务器": "server",
	"update": "update", "更新": "update",
	"channel": "channel", "通道": "channel",
}

var adminCommands = map[string]bool{
	"tunnels": true, "kick": true, "groups": true, "addgroup": true,
	"rmgroup": true, "server": true, "update": true, "channel": true,
}

// Updater is the narrow slice of the self-update service the "update"
// command needs. Defined locally so this package has no compile-time
// dependency on the update package's feed/download machinery.
type Updater interface {
	CheckAndApply(ctx context.Context, channel string, progress func(string))
}

// Sender is the narrow slice of BotTransport this package needs.
type Sender interface {
	SendGroupMessage(groupID, userID, text string)
	SelfID() string
}

// Dispatcher implements bottransport.EventHandler.
type Dispatcher struct {
	transport  Sender
	svc        *credential.Service
	cfg        *config.Config
	configPath string
	supervisor *frps.Supervisor
	updater    Updater

	mu         sync.Mutex
	groupOpens map[string][]time.Time
}

// New constructs a Dispatcher. updater and supervisor may be nil in
// tests that don't exercise "update"/"server".
func New(transport Sender, svc *credential.Service, cfg *config.Config, configPath string, supervisor *frps.Supervisor, updater Updater) *Dispatcher {
	return &Dispatcher{
		transport:  transport,
		svc:        svc,
		cfg:        cfg,
		configPath: configPath,
		supervisor: supervisor,
		updater:    updater,
		groupOpens: make(map[string][]time.Time),
	}
}

// HandleEvent satisfies bottransport.EventHandler.
func (d *Dispatcher) HandleEvent(frame []byte) {
	root := gjson.ParseBytes(frame)
	if root.Get("post_type").String() != "message" {
		return
	}
	if root.Get("message_type").String() != "group" {
		return
	}

	groupID := root.Get("group_id").String()
	userID := root.Get("user_id").String()
	if groupID == "" || userID == "" {
		return
	}

	if len(d.cfg.Bot.AllowedGroups) > 0 && !contains(d.cfg.Bot.AllowedGroups, groupID) {
		return
	}

	body, addressed := extractCommandBody(root.Get("message"), d.selfID())
	if !addressed {
		return
	}

	senderName := root.Get("sender.card").String()
	if senderName == "" {
		senderName = root.Get("sender.nickname").String()
	}
	if senderName == "" {
		senderName = userID
	}

	isAdmin := contains(d.cfg.Bot.AdminUsers, userID)
	reply := d.dispatch(body, userID, senderName, groupID, isAdmin)
	if reply != "" {
		d.transport.SendGroupMessage(groupID, userID, d.header()+reply)
	}
}

func (d *Dispatcher) selfID() string {
	if d.transport == nil {
		return d.cfg.Bot.SelfID
	}
	if id := d.transport.SelfID(); id != "" {
		return id
	}
	return d.cfg.Bot.SelfID
}

func (d *Dispatcher) header() string {
	return fmt.Sprintf("[%s v%s] ", d.cfg.Server.Name, version.Current)
}

// extractCommandBody finds the first `at` segment targeting selfID and
// joins every subsequent `text` segment as the command body (spec
// §4.11 step 1).
func extractCommandBody(message gjson.Result, selfID string) (body string, addressed bool) {
	var parts []string
	for _, seg := range message.Array() {
		segType := seg.Get("type").String()
		switch segType {
		case "at":
			if !addressed {
				qq := seg.Get("data.qq").String()
				if qq == selfID {
					addressed = true
				}
				continue
			}
		case "text":
			if addressed {
				if t := strings.TrimSpace(seg.Get("data.text").String()); t != "" {
					parts = append(parts, t)
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " ")), addressed
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (d *Dispatcher) dispatch(body, userID, senderName, groupID string, isAdmin bool) string {
	if body == "" {
		return helpText(isAdmin)
	}

	fields := strings.Fields(body)
	token := fields[0]
	args := fields[1:]

	canonical, ok := aliasToCanonical[token]
	if !ok {
		return "unknown command, try \"help\""
	}
	if adminCommands[canonical] && !isAdmin {
		return "this command requires admin privileges"
	}

	switch canonical {
	case "open":
		return d.cmdOpen(userID, senderName, groupID, args)
	case "status":
		return d.cmdStatus(userID)
	case "list":
		return d.cmdList(groupID)
	case "help":
		return helpText(isAdmin)
	case "tunnels":
		return d.cmdTunnels()
	case "kick":
		return d.cmdKick(args)
	case "groups":
		return d.cmdGroups()
	case "addgroup":
		return d.cmdAddGroup(args)
	case "rmgroup":
		return d.cmdRmGroup(args)
	case "server":
		return d.cmdServer()
	case "update":
		return d.cmdUpdate(groupID)
	case "channel":
		return d.cmdChannel(args)
	default:
		return "unknown command, try \"help\""
	}
}

func helpText(isAdmin bool) string {
	var b strings.Builder
	b.WriteString("commands: open [game] [minutes], status, list, help")
	if isAdmin {
		b.WriteString(", tunnels, kick <tunnelId>, groups, addgroup <id>, rmgroup <id>, server, update, channel [auto|dev|stable]")
	}
	return b.String()
}

func (d *Dispatcher) cmdOpen(userID, senderName, groupID string, args []string) string {
	gameType := "minecraft"
	if len(args) > 0 {
		gameType = args[0]
	}
	canonicalGame, ok := model.CanonicalGameType(gameType)
	if !ok {
		return fmt.Sprintf("unknown game type %q, allowed: %s", gameType, strings.Join(model.GameTypeWhitelist(), ", "))
	}

	ttl := time.Duration(d.cfg.KeyTTLMinutes) * time.Minute
	if len(args) > 1 {
		if minutes, err := strconv.Atoi(args[1]); err == nil {
			ttl = clampTTL(minutes, d.cfg.KeyTTLMinutes)
		}
	}

	if len(d.svc.GetActiveByUser(userID)) >= perUserOpenCap {
		return fmt.Sprintf("you already have %d active tunnels, the limit is %d", perUserOpenCap, perUserOpenCap)
	}
	if !d.allowGroupOpen(groupID) {
		return fmt.Sprintf("this group has hit its limit of %d tunnel opens per hour", perGroupHourlyCap)
	}

	rec, err := d.svc.Create(userID, senderName, groupID, canonicalGame, ttl)
	if err != nil {
		return fmt.Sprintf("failed to open tunnel: %v", err)
	}
	return fmt.Sprintf("tunnelId=%s key=%s remotePort=%d expiresAt=%s", rec.TunnelID, rec.Key, rec.RemotePort, rec.ExpiresAt.Format(time.RFC3339))
}

func clampTTL(minutes, max int) time.Duration {
	if minutes < minTTLMinutes {
		minutes = minTTLMinutes
	}
	if minutes > max {
		minutes = max
	}
	return time.Duration(minutes) * time.Minute
}

// allowGroupOpen enforces the rolling-hour per-group rate cap and, if
// allowed, records this open attempt.
func (d *Dispatcher) allowGroupOpen(groupID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	opens := d.groupOpens[groupID]
	kept := opens[:0]
	for _, t := range opens {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= perGroupHourlyCap {
		d.groupOpens[groupID] = kept
		return false
	}
	d.groupOpens[groupID] = append(kept, time.Now())
	return true
}

func (d *Dispatcher) cmdStatus(userID string) string {
	creds := d.svc.GetActiveByUser(userID)
	if len(creds) == 0 {
		return "you have no active tunnels"
	}
	var b strings.Builder
	now := time.Now()
	for _, c := range creds {
		remaining := c.ExpiresAt.Sub(now)
		fmt.Fprintf(&b, "\n%s [%s] status=%s remaining=%dm", c.TunnelID, c.GameType, c.Status, int(remaining.Minutes()))
	}
	return b.String()
}

func (d *Dispatcher) cmdList(groupID string) string {
	creds := d.svc.GetActiveByGroup(groupID)
	if len(creds) == 0 {
		return "this group has no active tunnels"
	}
	var b strings.Builder
	for _, c := range creds {
		fmt.Fprintf(&b, "\n%s [%s] status=%s", c.TunnelID, c.GameType, c.Status)
		if c.Status == model.StatusActive && c.GameType == "minecraft" {
			if result, err := motdprobe.Query(publicHost(d.cfg), c.RemotePort); err == nil {
				fmt.Fprintf(&b, " motd=%q players=%d/%d version=%s", result.Motd, result.Online, result.Max, result.Version)
			}
		}
	}
	return b.String()
}

func publicHost(cfg *config.Config) string {
	if cfg.Server.PublicAddr != "" {
		return cfg.Server.PublicAddr
	}
	return cfg.Frps.BindAddr
}

func (d *Dispatcher) cmdTunnels() string {
	creds := d.svc.GetAllActive()
	if len(creds) == 0 {
		return "no active tunnels"
	}
	var b strings.Builder
	for _, c := range creds {
		fmt.Fprintf(&b, "\n%s user=%s group=%s status=%s", c.TunnelID, c.UserName, c.GroupID, c.Status)
	}
	return b.String()
}

func (d *Dispatcher) cmdKick(args []string) string {
	if len(args) == 0 {
		return "usage: kick <tunnelId>"
	}
	rec, ok := d.svc.GetByTunnelID(args[0])
	if !ok {
		return fmt.Sprintf("no such tunnel %q", args[0])
	}
	if _, err := d.svc.Revoke(rec.ID); err != nil {
		return fmt.Sprintf("failed to kick %s: %v", args[0], err)
	}
	return fmt.Sprintf("kicked %s", args[0])
}

func (d *Dispatcher) cmdGroups() string {
	if len(d.cfg.Bot.AllowedGroups) == 0 {
		return "no group restriction is in effect (all groups allowed)"
	}
	return "allowed groups: " + strings.Join(d.cfg.Bot.AllowedGroups, ", ")
}

func (d *Dispatcher) cmdAddGroup(args []string) string {
	if len(args) == 0 {
		return "usage: addgroup <groupId>"
	}
	groupID := args[0]
	if contains(d.cfg.Bot.AllowedGroups, groupID) {
		return fmt.Sprintf("group %s is already allowed", groupID)
	}
	previous := append([]string(nil), d.cfg.Bot.AllowedGroups...)
	d.cfg.Bot.AllowedGroups = append(append([]string(nil), previous...), groupID)
	if err := config.Save(d.configPath, d.cfg); err != nil {
		d.cfg.Bot.AllowedGroups = previous
		return fmt.Sprintf("failed to persist group list: %v", err)
	}
	return fmt.Sprintf("added group %s", groupID)
}

func (d *Dispatcher) cmdRmGroup(args []string) string {
	if len(args) == 0 {
		return "usage: rmgroup <groupId>"
	}
	groupID := args[0]
	previous := append([]string(nil), d.cfg.Bot.AllowedGroups...)
	updated := make([]string, 0, len(previous))
	found := false
	for _, g := range previous {
		if g == groupID {
			found = true
			continue
		}
		updated = append(updated, g)
	}
	if !found {
		return fmt.Sprintf("group %s was not in the allowed list", groupID)
	}
	d.cfg.Bot.AllowedGroups = updated
	if err := config.Save(d.configPath, d.cfg); err != nil {
		d.cfg.Bot.AllowedGroups = previous
		return fmt.Sprintf("failed to persist group list: %v", err)
	}
	return fmt.Sprintf("removed group %s", groupID)
}

func (d *Dispatcher) cmdServer() string {
	if d.supervisor == nil {
		return "frps supervisor is not wired"
	}
	status := d.supervisor.GetStatus()
	line := fmt.Sprintf("state=%s pid=%d uptime=%s restarts=%d", status.State, status.PID, status.Uptime.Round(time.Second), status.RestartCount)

	admin := d.supervisor.Admin()
	if admin == nil {
		return line
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := admin.ServerInfo(ctx)
	if err != nil {
		return line + fmt.Sprintf(" (admin API unreachable: %v)", err)
	}
	return line + fmt.Sprintf(" clients=%d conns=%d", info.ClientCounts, info.CurConns)
}

func (d *Dispatcher) cmdUpdate(groupID string) string {
	if d.updater == nil {
		return "update service is not wired"
	}
	go d.updater.CheckAndApply(context.Background(), d.cfg.Updates.Channel, func(msg string) {
		d.transport.SendGroupMessage(groupID, "", d.header()+msg)
	})
	return "update check started"
}

func (d *Dispatcher) cmdChannel(args []string) string {
	if len(args) == 0 {
		return "update channel: " + d.cfg.Updates.Channel
	}
	channel := args[0]
	if channel != "auto" && channel != "dev" && channel != "stable" {
		return "channel must be one of auto, dev, stable"
	}
	previous := d.cfg.Updates.Channel
	d.cfg.Updates.Channel = channel
	if err := config.Save(d.configPath, d.cfg); err != nil {
		d.cfg.Updates.Channel = previous
		return fmt.Sprintf("failed to persist channel: %v", err)
	}
	return "update channel set to " + channel
}
