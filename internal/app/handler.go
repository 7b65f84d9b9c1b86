package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ZUA228132/wishlist-app/internal/broadcast"
	"github.com/ZUA228132/wishlist-app/internal/eventbus"
	"github.com/ZUA228132/wishlist-app/internal/fanout"
	"github.com/ZUA228132/wishlist-app/internal/referral"
	"github.com/ZUA228132/wishlist-app/internal/santa"
	"github.com/ZUA228132/wishlist-app/internal/store"
	"github.com/ZUA228132/wishlist-app/internal/transport"
	"github.com/ZUA228132/wishlist-app/internal/wishlist"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

// How long one inbound event may run before it is abandoned.
const defaultEventTimeout = 30 * time.Second

// HandlerDeps are the collaborators the event handler dispatches into.
type HandlerDeps struct {
	Store      store.Store
	Wishes     *wishlist.Manager
	Groups     *santa.Manager
	Referrals  *referral.Manager
	Broadcasts *broadcast.Service
	Notifier   transport.Notifier
	Bus        eventbus.Bus
	Log        logx.Logger

	// WebAppURL is the base URL of the wishlist web app. Empty disables the
	// app links in /start replies.
	WebAppURL string
}

// Handler turns inbound transport updates into lifecycle-manager calls.
//
// Web-app payloads carry an "action" discriminator; text messages carry
// /start deep links and operator commands. Unknown actions are ignored so a
// newer web app never crashes an older relay.
type Handler struct {
	deps HandlerDeps
	log  logx.Logger

	adminMu sync.RWMutex
	admins  map[int64]struct{}

	urlMu     sync.RWMutex
	webAppURL string

	eventTimeout time.Duration
}

func NewHandler(deps HandlerDeps, adminIDs []int64) *Handler {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	h := &Handler{
		deps:         deps,
		log:          deps.Log,
		eventTimeout: defaultEventTimeout,
	}
	h.SetAdmins(adminIDs)
	h.SetWebAppURL(deps.WebAppURL)
	return h
}

// SetWebAppURL replaces the web-app base URL (hot reload).
func (h *Handler) SetWebAppURL(url string) {
	h.urlMu.Lock()
	h.webAppURL = strings.TrimRight(strings.TrimSpace(url), "/")
	h.urlMu.Unlock()
}

// pageURL builds a link into the web app, or "" when no base URL is set.
func (h *Handler) pageURL(page string) string {
	h.urlMu.RLock()
	base := h.webAppURL
	h.urlMu.RUnlock()
	if base == "" {
		return ""
	}
	return base + "/" + page
}

// SetAdmins replaces the privileged operator set (hot reload).
func (h *Handler) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	h.adminMu.Lock()
	h.admins = m
	h.adminMu.Unlock()
}

func (h *Handler) isAdmin(id int64) bool {
	h.adminMu.RLock()
	_, ok := h.admins[id]
	h.adminMu.RUnlock()
	return ok
}

func (h *Handler) publish(typ string, data any) {
	if h.deps.Bus != nil {
		h.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
func (h *Handler) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			h.handle(ctx, up)
		}
	}
}

// handle processes one update with panic isolation and an upper time bound.
// A malformed payload or a wedged downstream must never take out the loop.
func (h *Handler) handle(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked",
				logx.Int64("from", msg.FromID),
				logx.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, h.eventTimeout)
	defer cancel()

	if len(msg.WebAppData) > 0 {
		h.handleWebApp(ctx, msg)
		return
	}
	if strings.HasPrefix(msg.Text, "/") {
		h.handleCommand(ctx, msg)
	}
}

// ---- Web-app actions ----

type envelope struct {
	Action string `json:"action"`
}

// flexID accepts a JSON number or a numeric string. The web app historically
// serialized Telegram user IDs both ways.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexID(n)
	return nil
}

func (h *Handler) handleWebApp(ctx context.Context, msg *transport.Message) {
	var env envelope
	if err := json.Unmarshal(msg.WebAppData, &env); err != nil {
		h.log.Warn("bad web-app payload", logx.Int64("from", msg.FromID), logx.Err(err))
		return
	}

	log := h.log.With(logx.String("action", env.Action), logx.Int64("from", msg.FromID))

	var err error
	switch env.Action {
	case "save_wishes":
		err = h.actionSaveWishes(ctx, msg)
	case "reserve_wish":
		err = h.actionReserveWish(ctx, msg)
	case "create_santa_group":
		err = h.actionCreateGroup(ctx, msg)
	case "shuffle_santa":
		err = h.actionShuffle(ctx, msg)
	case "broadcast":
		err = h.actionBroadcast(ctx, msg)
	case "send_story_image":
		err = h.actionStoryImage(ctx, msg)
	default:
		log.Debug("unknown action ignored")
		return
	}
	if err != nil {
		log.Warn("action failed", logx.Err(err))
		return
	}
	log.Debug("action handled")
}

func (h *Handler) actionSaveWishes(ctx context.Context, msg *transport.Message) error {
	var p struct {
		Action  string       `json:"action"`
		Wishes  []store.Wish `json:"wishes"`
		Privacy string       `json:"privacy"`
	}
	if err := json.Unmarshal(msg.WebAppData, &p); err != nil {
		return err
	}
	if err := h.deps.Wishes.SaveWishes(ctx, msg.FromID, msg.FromName, msg.FromUsername, p.Wishes, p.Privacy); err != nil {
		return err
	}
	h.publish(eventbus.TypeWishesSaved, msg.FromID)
	h.reply(ctx, msg, "✅ Your wish list has been saved!")
	return nil
}

func (h *Handler) actionReserveWish(ctx context.Context, msg *transport.Message) error {
	var p struct {
		Action  string `json:"action"`
		OwnerID flexID `json:"owner_id"`
		WishID  string `json:"wish_id"`
	}
	if err := json.Unmarshal(msg.WebAppData, &p); err != nil {
		return err
	}
	err := h.deps.Wishes.Reserve(ctx, int64(p.OwnerID), p.WishID, msg.FromID)
	switch {
	case err == nil:
		h.publish(eventbus.TypeWishReserved, p.WishID)
		h.reply(ctx, msg, "🎁 Great! You reserved this gift!")
		return nil
	case errors.Is(err, wishlist.ErrInvalidReservation):
		h.reply(ctx, msg, "😕 This gift is already taken by someone else.")
		return nil
	case errors.Is(err, wishlist.ErrOwnerNotFound):
		h.reply(ctx, msg, "This wish list does not exist.")
		return nil
	case errors.Is(err, wishlist.ErrWishNotFound):
		h.reply(ctx, msg, "This gift is no longer on the list.")
		return nil
	default:
		return err
	}
}

func (h *Handler) actionCreateGroup(ctx context.Context, msg *transport.Message) error {
	var p struct {
		Action  string `json:"action"`
		GroupID string `json:"group_id"`
		Name    string `json:"name"`
		Budget  string `json:"budget"`
		Date    string `json:"date"`
	}
	if err := json.Unmarshal(msg.WebAppData, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.GroupID) == "" {
		return fmt.Errorf("create group: empty group_id")
	}
	if err := h.deps.Groups.Create(ctx, p.GroupID, p.Name, msg.FromID, p.Budget, p.Date); err != nil {
		if errors.Is(err, santa.ErrAlreadyExists) {
			h.reply(ctx, msg, "This group already exists.")
			return nil
		}
		return err
	}
	h.publish(eventbus.TypeGroupCreated, p.GroupID)
	h.reply(ctx, msg, fmt.Sprintf("🎄 Group created!\n\nInvite link:\nhttps://t.me/%s?start=santa_%s", h.botUsername(), p.GroupID))
	return nil
}

func (h *Handler) actionShuffle(ctx context.Context, msg *transport.Message) error {
	var p struct {
		Action      string            `json:"action"`
		GroupID     string            `json:"group_id"`
		Assignments map[string]flexID `json:"assignments"`
	}
	if err := json.Unmarshal(msg.WebAppData, &p); err != nil {
		return err
	}

	assignments := make(map[int64]int64, len(p.Assignments))
	for giver, receiver := range p.Assignments {
		g, err := strconv.ParseInt(strings.TrimSpace(giver), 10, 64)
		if err != nil {
			return fmt.Errorf("shuffle: bad giver id %q: %w", giver, err)
		}
		assignments[g] = int64(receiver)
	}

	rep, err := h.deps.Groups.CommitAssignment(ctx, p.GroupID, assignments)
	switch {
	case err == nil:
		h.publish(eventbus.TypeGroupDrawn, p.GroupID)
		h.reply(ctx, msg, fmt.Sprintf("🎉 The draw is done! %d of %d participants were notified.", rep.Delivered, rep.Total()))
		return nil
	case errors.Is(err, santa.ErrAlreadyShuffled):
		h.reply(ctx, msg, "The draw for this group has already happened.")
		return nil
	case errors.Is(err, santa.ErrNotFound):
		h.reply(ctx, msg, "This group does not exist anymore.")
		return nil
	case errors.Is(err, santa.ErrInvalidAssignment):
		h.reply(ctx, msg, "😕 The draw could not be saved, the pairing is broken. Run it again from the app.")
		return nil
	default:
		return err
	}
}

func (h *Handler) actionBroadcast(ctx context.Context, msg *transport.Message) error {
	if !h.isAdmin(msg.FromID) {
		h.log.Warn("broadcast denied", logx.Int64("from", msg.FromID))
		h.reply(ctx, msg, "You are not allowed to do that.")
		return nil
	}

	var p struct {
		Action  string `json:"action"`
		Text    string `json:"text"`
		Photo   string `json:"photo"` // base64 or data URL, optional
		Caption string `json:"caption"`
	}
	if err := json.Unmarshal(msg.WebAppData, &p); err != nil {
		return err
	}

	out := fanout.Message{Text: p.Text, Caption: p.Caption}
	if strings.TrimSpace(p.Photo) != "" {
		img, err := decodeImage(p.Photo)
		if err != nil {
			return fmt.Errorf("broadcast photo: %w", err)
		}
		out.Photo = img
	}
	if out.Text == "" && out.Photo == nil {
		return fmt.Errorf("broadcast: empty message")
	}

	id, err := h.deps.Broadcasts.Submit("manual", out, msg.FromID)
	if err != nil {
		return err
	}
	h.publish(eventbus.TypeBroadcastQueued, id)
	h.reply(ctx, msg, fmt.Sprintf("📣 Broadcast %s queued.", id))
	return nil
}

func (h *Handler) actionStoryImage(ctx context.Context, msg *transport.Message) error {
	var p struct {
		Action string `json:"action"`
		Image  string `json:"image"` // base64 or data URL
	}
	if err := json.Unmarshal(msg.WebAppData, &p); err != nil {
		return err
	}
	img, err := decodeImage(p.Image)
	if err != nil {
		return fmt.Errorf("story image: %w", err)
	}
	return h.deps.Notifier.SendPhoto(ctx, msg.ChatID, img, "Share this to your story! ✨")
}

// decodeImage accepts raw base64 or a data URL ("data:image/png;base64,...").
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len("base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return b, nil
}

// ---- Text commands ----

func (h *Handler) handleCommand(ctx context.Context, msg *transport.Message) {
	cmd, payload := splitCommand(msg.Text)
	switch cmd {
	case "/start":
		h.commandStart(ctx, msg, payload)
	case "/stats":
		h.commandStats(ctx, msg)
	case "/help":
		h.reply(ctx, msg, helpText)
	default:
		h.log.Debug("unknown command ignored", logx.String("cmd", cmd), logx.Int64("from", msg.FromID))
	}
}

func splitCommand(text string) (cmd, payload string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", ""
	}
	cmd = fields[0]
	// strip the @botname suffix used in groups
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	if len(fields) > 1 {
		payload = fields[1]
	}
	return cmd, payload
}

const helpText = `📖 How to use the bot:

🎁 Build a wish list and share it with friends
🎅 Run a Secret Santa group with a hidden draw
🔗 Invite friends with your personal link

Commands:
/start — main menu
/help — this help`

func (h *Handler) commandStart(ctx context.Context, msg *transport.Message, payload string) {
	// Every /start establishes the user record so later reservations and
	// draw notifications can resolve the name.
	if err := h.deps.Wishes.Touch(ctx, msg.FromID, msg.FromName, msg.FromUsername); err != nil {
		h.log.Warn("touch user failed", logx.Int64("user", msg.FromID), logx.Err(err))
	}

	switch {
	case strings.HasPrefix(payload, "ref_"):
		h.startReferral(ctx, msg, strings.TrimPrefix(payload, "ref_"))
	case strings.HasPrefix(payload, "santa_"):
		h.startSantaInvite(ctx, msg, strings.TrimPrefix(payload, "santa_"))
	case strings.HasPrefix(payload, "wishlist_"):
		h.startSharedList(ctx, msg, strings.TrimPrefix(payload, "wishlist_"))
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "🐻‍❄️ Hi, %s!\n\nWelcome to Giftly!\n\nHere you can:\n• 🎁 Build a wish list\n• 🔗 Share it with friends\n• 🎅 Play Secret Santa", msg.FromName)
		if wl := h.pageURL("index.html"); wl != "" {
			fmt.Fprintf(&b, "\n\n🎁 Wish list: %s\n🎅 Secret Santa: %s", wl, h.pageURL("santa.html"))
		}
		h.reply(ctx, msg, b.String())
	}
}

func (h *Handler) startReferral(ctx context.Context, msg *transport.Message, raw string) {
	referrer, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || referrer == 0 {
		h.log.Debug("bad referral payload", logx.String("payload", raw), logx.Int64("from", msg.FromID))
		return
	}

	created, err := h.deps.Referrals.Track(ctx, msg.FromID, referrer)
	if err != nil {
		if !errors.Is(err, referral.ErrSelfReferral) {
			h.log.Warn("referral track failed", logx.Int64("from", msg.FromID), logx.Err(err))
		}
		return
	}
	if !created {
		return
	}
	h.publish(eventbus.TypeReferralCreated, msg.FromID)

	granted, _, err := h.deps.Referrals.GrantReward(ctx, msg.FromID)
	if err != nil {
		h.log.Warn("referral reward failed", logx.Int64("from", msg.FromID), logx.Err(err))
		return
	}
	if granted {
		// Best effort: the referrer may have blocked the bot.
		if err := h.deps.Notifier.SendText(ctx, referrer, "🎉 A friend joined with your invite link! Your reward is waiting in the app."); err != nil {
			h.log.Debug("referrer notify failed", logx.Int64("referrer", referrer), logx.Err(err))
		}
	}
	h.reply(ctx, msg, "🎁 Welcome! You joined via a friend's invite.")
}

func (h *Handler) startSantaInvite(ctx context.Context, msg *transport.Message, groupID string) {
	err := h.deps.Groups.Join(ctx, groupID, msg.FromID)
	switch {
	case err == nil:
		h.publish(eventbus.TypeGroupJoined, groupID)
		text := "🎄 You joined the Secret Santa group! Wait for the draw."
		if u := h.pageURL("santa.html?invite=" + groupID); u != "" {
			text += "\n\nOpen the group here: " + u
		}
		h.reply(ctx, msg, text)
	case errors.Is(err, santa.ErrNotFound):
		h.reply(ctx, msg, "This group does not exist anymore.")
	case errors.Is(err, santa.ErrAlreadyShuffled):
		h.reply(ctx, msg, "The draw already happened in this group, you cannot join now.")
	default:
		h.log.Warn("santa join failed", logx.String("group", groupID), logx.Int64("from", msg.FromID), logx.Err(err))
	}
}

func (h *Handler) startSharedList(ctx context.Context, msg *transport.Message, raw string) {
	ownerID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ownerID == 0 {
		return
	}
	owner, err := h.deps.Wishes.Profile(ctx, msg.FromID, ownerID)
	switch {
	case err == nil:
	case errors.Is(err, wishlist.ErrPrivateList):
		h.reply(ctx, msg, "🔒 This wish list is private.")
		return
	case errors.Is(err, wishlist.ErrOwnerNotFound):
		h.reply(ctx, msg, "This wish list does not exist.")
		return
	default:
		h.log.Warn("shared list lookup failed", logx.Int64("owner", ownerID), logx.Err(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎁 %s's wish list:\n", displayName(owner))
	open := 0
	for _, w := range owner.Wishes {
		if w.Reserved {
			continue
		}
		open++
		fmt.Fprintf(&b, "\n• %s", truncRunes(w.Name, 64))
		if w.Price != "" {
			fmt.Fprintf(&b, " — %s %s", w.Price, w.Currency)
		}
	}
	if open == 0 {
		b.WriteString("\nNothing to pick right now, everything is reserved!")
	} else {
		b.WriteString("\n\nOpen the app to reserve a gift!")
	}
	if u := h.pageURL(fmt.Sprintf("shared.html?user=%d", ownerID)); u != "" {
		fmt.Fprintf(&b, "\n%s", u)
	}
	h.reply(ctx, msg, b.String())
}

// truncRunes keeps a summary line readable when a wish name is very long.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		count++
		if count > n {
			return s[:i] + "…"
		}
	}
	return s
}

func displayName(u store.User) string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "a friend"
}

func (h *Handler) commandStats(ctx context.Context, msg *transport.Message) {
	if !h.isAdmin(msg.FromID) {
		h.log.Debug("stats denied", logx.Int64("from", msg.FromID))
		return
	}
	snap, err := h.deps.Store.Load(ctx)
	if err != nil {
		h.log.Warn("stats load failed", logx.Err(err))
		h.reply(ctx, msg, "Store is unavailable right now.")
		return
	}

	wishes, reserved := 0, 0
	for _, u := range snap.Users {
		wishes += len(u.Wishes)
		for _, w := range u.Wishes {
			if w.Reserved {
				reserved++
			}
		}
	}
	shuffled := 0
	for _, g := range snap.Groups {
		if g.Shuffled {
			shuffled++
		}
	}

	h.reply(ctx, msg, fmt.Sprintf(
		"📊 Stats\n\nUsers: %d\nWishes: %d (reserved: %d)\nGroups: %d (drawn: %d)\nReferrals: %d",
		len(snap.Users), wishes, reserved, len(snap.Groups), shuffled, len(snap.Referrals),
	))
}

// reply is best effort; a user who blocked the bot mid-conversation must not
// fail the action that already committed.
func (h *Handler) reply(ctx context.Context, msg *transport.Message, text string) {
	if err := h.deps.Notifier.SendText(ctx, msg.ChatID, text); err != nil {
		h.log.Debug("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

// botUsername is used to build invite deep links. The transport knows it when
// connected; fall back to a neutral placeholder in tests.
func (h *Handler) botUsername() string {
	if n, ok := h.deps.Notifier.(interface{ Username() string }); ok {
		if u := n.Username(); u != "" {
			return u
		}
	}
	return "bot"
}
