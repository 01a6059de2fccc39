package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"leadwatch-bot/billing"
	"leadwatch-bot/export"
	"leadwatch-bot/model"
	"leadwatch-bot/session"
	"leadwatch-bot/settlement"
	"leadwatch-bot/store"
	"leadwatch-bot/yookassa"

	"gopkg.in/telebot.v3"
)

// Conversation states
const (
	StateNone = iota
	StateTopup_WaitAmount
	StatePromo_WaitCode
	StateNewWatcher_WaitName
	StateNewWatcher_WaitSources
	StateNewWatcher_WaitKeywords
	StateEdit_WaitName
	StateEdit_WaitSources
	StateEdit_WaitKeywords
	StateEdit_WaitExcludes
	StateExpand_WaitChats
	StateWithdraw_WaitAmount
	StateWithdraw_WaitDestination
	StateTransfer_WaitAmount
)

// Limits handed down from configuration.
type Limits struct {
	MinTopup     float64
	PayoutMin    float64
	AlertBotLink string
}

type Bot struct {
	B        *telebot.Bot
	Store    *store.Store
	Ledger   *billing.Ledger
	Registry *session.Registry
	Settle   *settlement.Coordinator
	Gateway  *yookassa.Client
	Exporter *export.Sender
	Limits   Limits

	// Conversation state
	states    map[int64]int
	tempData  map[int64]map[string]string
	stateLock sync.RWMutex
}

// Inline buttons
var (
	btnMenuSetup   = telebot.Btn{Text: "🛠 Watchers & payment", Unique: "menu_setup"}
	btnMenuExport  = telebot.Btn{Text: "📤 Export results", Unique: "menu_export"}
	btnMenuHelp    = telebot.Btn{Text: "📚 Help", Unique: "menu_help"}
	btnMenuProfile = telebot.Btn{Text: "🤝 Profile & partner program", Unique: "menu_profile"}
	btnBackMain    = telebot.Btn{Text: "🔙 Back", Unique: "back_main"}

	btnSetupNew  = telebot.Btn{Text: "🚀 New watcher", Unique: "setup_new"}
	btnSetupList = telebot.Btn{Text: "✏️ My watchers", Unique: "setup_list"}
	btnSetupPay  = telebot.Btn{Text: "💳 Subscription", Unique: "setup_pay"}

	btnWatcher = telebot.Btn{Unique: "watcher"} // data: watcher id
	btnCSV     = telebot.Btn{Unique: "csv"}     // data: watcher id

	btnResume  = telebot.Btn{Unique: "w_resume"}
	btnPause   = telebot.Btn{Unique: "w_pause"}
	btnEdName  = telebot.Btn{Unique: "w_name"}
	btnEdSrc   = telebot.Btn{Unique: "w_sources"}
	btnEdKw    = telebot.Btn{Unique: "w_keywords"}
	btnEdExcl  = telebot.Btn{Unique: "w_excludes"}
	btnWDelete = telebot.Btn{Unique: "w_delete"}

	btnExportAll    = telebot.Btn{Text: "📤 Combined results", Unique: "export_all"}
	btnExportChoose = telebot.Btn{Text: "📂 Pick a watcher", Unique: "export_choose"}

	btnProfileTopup    = telebot.Btn{Text: "💰 Top up balance", Unique: "profile_topup"}
	btnProfileTransfer = telebot.Btn{Text: "💳 Pay from partner balance", Unique: "profile_transfer"}
	btnProfileWithdraw = telebot.Btn{Text: "💸 Withdraw funds", Unique: "profile_withdraw"}

	btnPayRenew  = telebot.Btn{Text: "Renew subscription", Unique: "pay_renew"}
	btnPayExpand = telebot.Btn{Text: "Expand source limit", Unique: "pay_expand"}

	btnWDCard     = telebot.Btn{Text: "💳 Bank card", Unique: "wd_card"}
	btnWDYooMoney = telebot.Btn{Text: "🟡 YooMoney", Unique: "wd_yoomoney"}
	btnWDSBP      = telebot.Btn{Text: "🏦 SBP (phone)", Unique: "wd_sbp"}
	btnWDConfirm  = telebot.Btn{Text: "✅ Confirm", Unique: "wd_confirm"}
	btnWDCancel   = telebot.Btn{Text: "❌ Cancel", Unique: "wd_cancel"}

	btnExpandConfirm = telebot.Btn{Text: "✅ Confirm", Unique: "expand_confirm"}
	btnExpandCancel  = telebot.Btn{Text: "❌ Cancel", Unique: "expand_cancel"}
)

func NewBot(b *telebot.Bot) *Bot {
	bot := &Bot{
		B:        b,
		states:   make(map[int64]int),
		tempData: make(map[int64]map[string]string),
	}
	return bot
}

// Start registers handlers and begins long polling. Call after all
// collaborators are assigned.
func (bot *Bot) Start() {
	bot.registerHandlers()
	bot.B.Start()
}

func (bot *Bot) registerHandlers() {
	// Commands
	bot.B.Handle("/start", bot.handleStart)
	bot.B.Handle("/menu", bot.handleMenu)
	bot.B.Handle("/help", bot.handleHelp)
	bot.B.Handle("/topup", bot.handleTopupCmd)
	bot.B.Handle("/export", bot.handleExportCmd)
	bot.B.Handle("/result", bot.handleExportCmd)
	bot.B.Handle("/clear_result", bot.handleClearResult)
	bot.B.Handle("/check_payment", bot.handleCheckPayment)
	bot.B.Handle("/enable_recurring", bot.handleEnableRecurring)
	bot.B.Handle("/disable_recurring", bot.handleDisableRecurring)
	bot.B.Handle("/addparser", bot.handleAddWatcher)
	bot.B.Handle("/logout", bot.handleLogout)

	// Menus
	bot.B.Handle(&btnMenuSetup, bot.handleMenuSetup)
	bot.B.Handle(&btnMenuExport, bot.handleMenuExport)
	bot.B.Handle(&btnMenuHelp, bot.handleHelp)
	bot.B.Handle(&btnMenuProfile, bot.handleProfile)
	bot.B.Handle(&btnBackMain, bot.handleMenu)

	bot.B.Handle(&btnSetupNew, bot.handleAddWatcher)
	bot.B.Handle(&btnSetupList, bot.handleWatcherList)
	bot.B.Handle(&btnSetupPay, bot.handlePayMenu)

	// Watcher cards
	bot.B.Handle(&btnWatcher, bot.handleWatcherDetail)
	bot.B.Handle(&btnCSV, bot.handleWatcherCSV)
	bot.B.Handle(&btnResume, bot.handleResume)
	bot.B.Handle(&btnPause, bot.handlePause)
	bot.B.Handle(&btnEdName, bot.editPrompt(StateEdit_WaitName, "Enter the new watcher name:"))
	bot.B.Handle(&btnEdSrc, bot.editPrompt(StateEdit_WaitSources, "Enter the new source links or ids (space or comma separated):"))
	bot.B.Handle(&btnEdKw, bot.editPrompt(StateEdit_WaitKeywords, "Enter the new keywords (comma separated):"))
	bot.B.Handle(&btnEdExcl, bot.editPrompt(StateEdit_WaitExcludes, "Enter the new exclude words (comma separated):"))
	bot.B.Handle(&btnWDelete, bot.handleDelete)

	// Export
	bot.B.Handle(&btnExportAll, bot.handleExportAll)
	bot.B.Handle(&btnExportChoose, bot.handleExportChoose)

	// Profile & payments
	bot.B.Handle(&btnProfileTopup, bot.handleTopupCmd)
	bot.B.Handle(&btnProfileTransfer, bot.handleTransferStart)
	bot.B.Handle(&btnProfileWithdraw, bot.handleWithdrawStart)
	bot.B.Handle(&btnPayRenew, bot.handleRenew)
	bot.B.Handle(&btnPayExpand, bot.handleExpandStart)
	bot.B.Handle(&btnExpandConfirm, bot.handleExpandConfirm)
	bot.B.Handle(&btnExpandCancel, bot.handleCancel)

	// Withdraw
	bot.B.Handle(&btnWDCard, bot.withdrawMethod(yookassa.MethodCard, "Enter the card number (digits only, no spaces):"))
	bot.B.Handle(&btnWDYooMoney, bot.withdrawMethod(yookassa.MethodYooMoney, "Enter the YooMoney wallet number:"))
	bot.B.Handle(&btnWDSBP, bot.withdrawMethod(yookassa.MethodSBP, "Enter the SBP phone (e.g. +79991234567):"))
	bot.B.Handle(&btnWDConfirm, bot.handleWithdrawConfirm)
	bot.B.Handle(&btnWDCancel, bot.handleCancel)

	// Generic text handler (conversation inputs)
	bot.B.Handle(telebot.OnText, bot.handleText)
}

// --- State helpers (conversation bookkeeping) ---

func (bot *Bot) setState(userID int64, state int) {
	bot.stateLock.Lock()
	defer bot.stateLock.Unlock()
	bot.states[userID] = state
	if state == StateNone {
		delete(bot.tempData, userID)
	}
}

func (bot *Bot) getState(userID int64) int {
	bot.stateLock.RLock()
	defer bot.stateLock.RUnlock()
	return bot.states[userID]
}

func (bot *Bot) setTempData(userID int64, key, value string) {
	bot.stateLock.Lock()
	defer bot.stateLock.Unlock()
	if bot.tempData[userID] == nil {
		bot.tempData[userID] = make(map[string]string)
	}
	bot.tempData[userID][key] = value
}

func (bot *Bot) getTempData(userID int64, key string) string {
	bot.stateLock.RLock()
	defer bot.stateLock.RUnlock()
	if bot.tempData[userID] == nil {
		return ""
	}
	return bot.tempData[userID][key]
}

func (bot *Bot) tempInt(userID int64, key string) int {
	n, _ := strconv.Atoi(bot.getTempData(userID, key))
	return n
}

// --- Keyboards ---

func mainMenu() *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnMenuSetup),
		menu.Row(btnMenuExport),
		menu.Row(btnMenuHelp),
		menu.Row(btnMenuProfile),
	)
	return menu
}

func watcherCard(w *model.Watcher) *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	id := strconv.Itoa(w.ID)
	menu.Inline(
		menu.Row(
			menu.Data("▶️ Resume", btnResume.Unique, id),
			menu.Data("⏸ Pause", btnPause.Unique, id),
		),
		menu.Row(
			menu.Data("🛠 Rename", btnEdName.Unique, id),
			menu.Data("📂 Edit sources", btnEdSrc.Unique, id),
		),
		menu.Row(
			menu.Data("📂 Edit keywords", btnEdKw.Unique, id),
			menu.Data("📂 Edit excludes", btnEdExcl.Unique, id),
		),
		menu.Row(menu.Data("🗑 Delete (paused only)", btnWDelete.Unique, id)),
		menu.Row(btnBackMain),
	)
	return menu
}

// --- Handlers ---

func (bot *Bot) handleStart(c telebot.Context) error {
	userID := c.Sender().ID
	bot.setState(userID, StateNone)
	bot.Store.View(userID, func(a *model.Account) {}) // creates the account entry
	bot.Ledger.ReviewSubscription(userID)
	return c.Send("Welcome to LeadWatch, keyword monitoring for Telegram chats.\nUse the menu below.", mainMenu())
}

func (bot *Bot) handleMenu(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	return c.Send("Main menu:", mainMenu())
}

func (bot *Bot) handleHelp(c telebot.Context) error {
	return c.Send("Set up a watcher with sources and keywords; matching messages are forwarded to you.\n" +
		"Billing is daily and proportional to the number of watched sources.\n" +
		"Commands: /addparser /topup /export /check_payment /enable_recurring /disable_recurring")
}

func (bot *Bot) handleLogout(c telebot.Context) error {
	bot.Registry.Teardown(c.Sender().ID)
	return c.Send("Session closed. Monitoring will resume after you sign in again.")
}

func (bot *Bot) handleMenuSetup(c telebot.Context) error {
	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnSetupNew),
		menu.Row(btnSetupList),
		menu.Row(btnSetupPay),
		menu.Row(btnBackMain),
	)
	return c.Send("Watcher setup:", menu)
}

func (bot *Bot) handleWatcherList(c telebot.Context) error {
	userID := c.Sender().ID
	menu := &telebot.ReplyMarkup{}
	var rows []telebot.Row
	bot.Store.View(userID, func(a *model.Account) {
		for _, w := range a.Watchers {
			label := w.Name
			if w.Active() {
				label = "🟢 " + label
			} else {
				label = "⏸ " + label
			}
			rows = append(rows, menu.Row(menu.Data(label, btnWatcher.Unique, strconv.Itoa(w.ID))))
		}
	})
	if len(rows) == 0 {
		return c.Send("No watchers configured yet. Create one with 🚀 New watcher.")
	}
	rows = append(rows, menu.Row(btnBackMain))
	menu.Inline(rows...)
	return c.Send("Your watchers:", menu)
}

func (bot *Bot) watcherFromData(c telebot.Context) (*model.Watcher, int64, error) {
	userID := c.Sender().ID
	id, err := strconv.Atoi(strings.TrimSpace(c.Data()))
	if err != nil {
		return nil, userID, fmt.Errorf("bad watcher reference")
	}
	var w *model.Watcher
	bot.Store.View(userID, func(a *model.Account) {
		w = a.WatcherByID(id)
	})
	if w == nil {
		return nil, userID, fmt.Errorf("watcher not found")
	}
	return w, userID, nil
}

func (bot *Bot) handleWatcherDetail(c telebot.Context) error {
	w, userID, err := bot.watcherFromData(c)
	if err != nil {
		return c.Respond(&telebot.CallbackResponse{Text: "Not found"})
	}
	var limit int
	bot.Store.View(userID, func(a *model.Account) { limit = a.ChatLimit })
	status := "⏸ paused"
	if w.Active() {
		status = "🟢 active"
	}
	text := fmt.Sprintf(
		"#%d %s\nSources: %d/%d\nKeywords: %d, excludes: %d\nDaily price: %.2f ₽\nStatus: %s\nMatches logged: %d",
		w.ID, w.Name, len(w.Sources), limit, len(w.Keywords), len(w.ExcludeKeywords),
		w.DailyPrice, status, len(w.Results),
	)
	return c.Send(text, watcherCard(w))
}

func (bot *Bot) handleResume(c telebot.Context) error {
	w, userID, err := bot.watcherFromData(c)
	if err != nil {
		return c.Respond(&telebot.CallbackResponse{Text: "Not found"})
	}
	if err := bot.Ledger.Resume(context.Background(), userID, w.ID); err != nil {
		log.Printf("bot: resume watcher %d for %d: %v", w.ID, userID, err)
		return c.Send("▶️ Watcher marked active, but monitoring could not start: " + userMessage(err))
	}
	return c.Send("▶️ Watcher running.")
}

func (bot *Bot) handlePause(c telebot.Context) error {
	w, userID, err := bot.watcherFromData(c)
	if err != nil {
		return c.Respond(&telebot.CallbackResponse{Text: "Not found"})
	}
	if err := bot.Ledger.Pause(context.Background(), userID, w.ID); err != nil {
		return c.Send("Could not pause: " + userMessage(err))
	}
	return c.Send("⏸ Watcher paused.")
}

func (bot *Bot) handleDelete(c telebot.Context) error {
	w, userID, err := bot.watcherFromData(c)
	if err != nil {
		return c.Respond(&telebot.CallbackResponse{Text: "Not found"})
	}
	// Final export before the log disappears.
	if err := bot.Exporter.SendWatcher(userID, w.ID); err != nil {
		log.Printf("bot: final export for %d/%d: %v", userID, w.ID, err)
	}
	if err := bot.Ledger.DeleteWatcher(context.Background(), userID, w.ID); err != nil {
		return c.Send("Could not delete: " + userMessage(err))
	}
	return c.Send("🗑 Watcher deleted.")
}

func (bot *Bot) editPrompt(state int, prompt string) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		w, userID, err := bot.watcherFromData(c)
		if err != nil {
			return c.Respond(&telebot.CallbackResponse{Text: "Not found"})
		}
		bot.setTempData(userID, "edit_id", strconv.Itoa(w.ID))
		bot.setState(userID, state)
		return c.Send(prompt)
	}
}

// --- Watcher creation ---

func (bot *Bot) handleAddWatcher(c telebot.Context) error {
	userID := c.Sender().ID
	var active bool
	bot.Store.View(userID, func(a *model.Account) {
		active = a.SubscriptionExpiry > time.Now().Unix()
	})
	if !active {
		bot.setState(userID, StatePromo_WaitCode)
		return c.Send("You need an active subscription. Enter a promo code, or send \"skip\" to pay for PRO:")
	}
	bot.setState(userID, StateNewWatcher_WaitName)
	return c.Send("Enter a name for the new watcher:")
}

// --- Export ---

func (bot *Bot) handleMenuExport(c telebot.Context) error {
	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnExportAll),
		menu.Row(btnExportChoose),
		menu.Row(btnBackMain),
	)
	return c.Send("Export:", menu)
}

func (bot *Bot) handleExportCmd(c telebot.Context) error {
	return bot.Exporter.SendAll(c.Sender().ID)
}

func (bot *Bot) handleExportAll(c telebot.Context) error {
	if err := bot.Exporter.SendAll(c.Sender().ID); err != nil {
		log.Printf("bot: export for %d: %v", c.Sender().ID, err)
	}
	return c.Respond()
}

func (bot *Bot) handleExportChoose(c telebot.Context) error {
	userID := c.Sender().ID
	menu := &telebot.ReplyMarkup{}
	var rows []telebot.Row
	bot.Store.View(userID, func(a *model.Account) {
		for _, w := range a.Watchers {
			rows = append(rows, menu.Row(menu.Data(w.Name, btnCSV.Unique, strconv.Itoa(w.ID))))
		}
	})
	if len(rows) == 0 {
		return c.Send("No watchers configured yet.")
	}
	rows = append(rows, menu.Row(btnBackMain))
	menu.Inline(rows...)
	return c.Send("Pick a watcher to export:", menu)
}

func (bot *Bot) handleWatcherCSV(c telebot.Context) error {
	w, userID, err := bot.watcherFromData(c)
	if err != nil {
		return c.Respond(&telebot.CallbackResponse{Text: "Not found"})
	}
	if err := bot.Exporter.SendWatcher(userID, w.ID); err != nil {
		log.Printf("bot: export watcher %d for %d: %v", w.ID, userID, err)
	}
	return c.Respond()
}

func (bot *Bot) handleClearResult(c telebot.Context) error {
	userID := c.Sender().ID
	if err := bot.Exporter.SendAll(userID); err != nil {
		log.Printf("bot: export for %d: %v", userID, err)
	}
	return bot.Store.With(userID, func(a *model.Account) error {
		for _, w := range a.Watchers {
			w.Results = []model.MatchRecord{}
		}
		return nil
	})
}

// --- Profile ---

func (bot *Bot) handleProfile(c telebot.Context) error {
	userID := c.Sender().ID
	var a model.Account
	bot.Store.View(userID, func(acct *model.Account) { a = *acct })

	plan := "no active subscription"
	if a.SubscriptionExpiry > time.Now().Unix() {
		plan = "PRO until " + time.Unix(a.SubscriptionExpiry, 0).UTC().Format("02.01.2006")
	}
	recurring := "off"
	if a.Recurring {
		recurring = "on"
	}
	perDay := bot.Ledger.TotalDailyCost(&a)
	prediction := "—"
	if date, days, ok := bot.Ledger.PredictExhaustion(&a); ok {
		prediction = fmt.Sprintf("%s (%d day(s))", date.Format("02.01.2006"), days)
	}
	text := fmt.Sprintf(
		"👤 Profile %d\nPlan: %s\nAuto-renew: %s\nBalance: %.2f ₽\nDaily cost: %.2f ₽\nPaid until: %s\nPartner balance: %.2f ₽ (%d referrals)",
		userID, plan, recurring, a.Balance, perDay, prediction, a.RefBalance, a.RefCount,
	)
	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnProfileTopup),
		menu.Row(btnProfileTransfer),
		menu.Row(btnProfileWithdraw),
		menu.Row(btnBackMain),
	)
	return c.Send(text, menu)
}

func (bot *Bot) handleEnableRecurring(c telebot.Context) error {
	err := bot.Store.With(c.Sender().ID, func(a *model.Account) error {
		a.Recurring = true
		return nil
	})
	if err != nil {
		return err
	}
	return c.Send("🔁 Auto-renew enabled.")
}

func (bot *Bot) handleDisableRecurring(c telebot.Context) error {
	err := bot.Store.With(c.Sender().ID, func(a *model.Account) error {
		a.Recurring = false
		return nil
	})
	if err != nil {
		return err
	}
	return c.Send("Auto-renew disabled.")
}

// --- Payments ---

func (bot *Bot) handlePayMenu(c telebot.Context) error {
	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnPayRenew),
		menu.Row(btnPayExpand),
		menu.Row(btnBackMain),
	)
	return c.Send("Subscription:", menu)
}

func (bot *Bot) handleTopupCmd(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateTopup_WaitAmount)
	return c.Send(fmt.Sprintf("Enter the top-up amount (minimum %.0f ₽):", bot.Limits.MinTopup))
}

func (bot *Bot) handleRenew(c telebot.Context) error {
	userID := c.Sender().ID
	var active bool
	bot.Store.View(userID, func(a *model.Account) {
		active = a.SubscriptionExpiry > time.Now().Unix()
	})
	if active {
		return c.Send("Your subscription is already active.")
	}
	bot.setState(userID, StatePromo_WaitCode)
	return c.Send("Enter a promo code, or send \"skip\" to pay for PRO:")
}

func (bot *Bot) handleExpandStart(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateExpand_WaitChats)
	return c.Send("How many sources do you need?")
}

func (bot *Bot) handleExpandConfirm(c telebot.Context) error {
	userID := c.Sender().ID
	chats := bot.tempInt(userID, "expand_chats")
	price, _ := strconv.ParseFloat(bot.getTempData(userID, "expand_price"), 64)
	bot.setState(userID, StateNone)
	if chats <= 0 || price <= 0 {
		return c.Send("The expansion request expired. Start over.")
	}
	return bot.startSubscriptionPayment(c, userID, price, chats,
		fmt.Sprintf("PRO expansion to %d sources for %d", chats, userID))
}

func (bot *Bot) handleCancel(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	return c.Send("Cancelled.")
}

// startSubscriptionPayment creates the gateway payment, stores the pending
// id and launches the settlement poller.
func (bot *Bot) startSubscriptionPayment(c telebot.Context, userID int64, price float64, chats int, description string) error {
	id, url, err := bot.Gateway.CreatePayment(context.Background(), price, description, "", "")
	if err != nil {
		log.Printf("bot: create payment for %d: %v", userID, err)
		return c.Send("Could not create the payment. Try again later.")
	}
	if err := bot.Store.With(userID, func(a *model.Account) error {
		a.PendingPaymentID = id
		a.PendingPaymentKind = model.KindSubscription
		a.PendingPaymentAmount = price
		a.PendingChatLimit = chats
		return nil
	}); err != nil {
		return err
	}
	tx := model.Transaction{ID: id, Kind: model.KindSubscription, Amount: price, ChatLimit: chats}
	go bot.Settle.Track(context.Background(), userID, tx, func(ctx context.Context) (string, error) {
		return bot.Gateway.PaymentStatus(ctx, id)
	})
	menu := &telebot.ReplyMarkup{}
	menu.Inline(menu.Row(menu.URL("Pay now", url)))
	return c.Send("Follow the link to pay.", menu)
}

func (bot *Bot) handleCheckPayment(c telebot.Context) error {
	userID := c.Sender().ID
	var tx model.Transaction
	bot.Store.View(userID, func(a *model.Account) {
		tx = model.Transaction{
			ID:        a.PendingPaymentID,
			Kind:      a.PendingPaymentKind,
			Amount:    a.PendingPaymentAmount,
			ChatLimit: a.PendingChatLimit,
		}
	})
	if tx.ID == "" {
		return c.Send("No pending payment found.")
	}
	if tx.Kind == "" {
		tx.Kind = model.KindSubscription
	}
	pending := tx.ID
	status, err := bot.Settle.Reconcile(context.Background(), userID, tx, func(ctx context.Context) (string, error) {
		return bot.Gateway.PaymentStatus(ctx, pending)
	})
	if err != nil {
		log.Printf("bot: check payment for %d: %v", userID, err)
		return c.Send("Could not check the payment right now. Try again later.")
	}
	if status != "succeeded" && !strings.HasPrefix(status, "canceled") && status != "expired" && status != "failed" {
		return c.Send("The payment is still " + status + ".")
	}
	return nil
}

// --- Withdraw & transfer ---

func (bot *Bot) handleTransferStart(c telebot.Context) error {
	userID := c.Sender().ID
	var ref float64
	bot.Store.View(userID, func(a *model.Account) { ref = a.RefBalance })
	if ref <= 0 {
		return c.Send("Your partner balance is empty.")
	}
	bot.setState(userID, StateTransfer_WaitAmount)
	return c.Send(fmt.Sprintf("Enter the amount to move from the partner balance (up to %.2f ₽):", ref))
}

func (bot *Bot) handleWithdrawStart(c telebot.Context) error {
	userID := c.Sender().ID
	var ref float64
	bot.Store.View(userID, func(a *model.Account) { ref = a.RefBalance })
	if ref < bot.Limits.PayoutMin {
		return c.Send(fmt.Sprintf("The minimum payout is %.2f ₽. Your partner balance: %.2f ₽", bot.Limits.PayoutMin, ref))
	}
	bot.setState(userID, StateWithdraw_WaitAmount)
	return c.Send(fmt.Sprintf("Enter the payout amount (available %.2f ₽, minimum %.2f ₽):", ref, bot.Limits.PayoutMin))
}

func (bot *Bot) withdrawMethod(method, prompt string) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		userID := c.Sender().ID
		bot.setTempData(userID, "wd_method", method)
		bot.setState(userID, StateWithdraw_WaitDestination)
		return c.Send(prompt)
	}
}

func (bot *Bot) handleWithdrawConfirm(c telebot.Context) error {
	userID := c.Sender().ID
	amount, _ := strconv.ParseFloat(bot.getTempData(userID, "wd_amount"), 64)
	method := bot.getTempData(userID, "wd_method")
	destination := bot.getTempData(userID, "wd_destination")
	bot.setState(userID, StateNone)
	if amount <= 0 || method == "" || destination == "" {
		return c.Send("The payout request expired. Start over.")
	}

	// Final balance check right before creating the payout.
	var ref float64
	bot.Store.View(userID, func(a *model.Account) { ref = a.RefBalance })
	if amount > ref {
		return c.Send(fmt.Sprintf("Not enough funds on the partner balance (available %.2f ₽).", ref))
	}

	id, err := bot.Gateway.CreatePayout(context.Background(), amount,
		fmt.Sprintf("Partner payout for %d", userID), method, destination)
	if err != nil {
		log.Printf("bot: create payout for %d: %v", userID, err)
		return c.Send("Could not create the payout: " + userMessage(err))
	}
	if err := bot.Store.With(userID, func(a *model.Account) error {
		a.PendingPayoutID = id
		return nil
	}); err != nil {
		return err
	}
	tx := model.Transaction{ID: id, Kind: model.KindPayout, Amount: amount}
	go bot.Settle.Track(context.Background(), userID, tx, func(ctx context.Context) (string, error) {
		return bot.Gateway.PayoutStatus(ctx, id)
	})
	return c.Send(fmt.Sprintf("Payout request created ✅\nID: %s\nAmount: %.2f ₽\nWaiting for provider confirmation.", id, amount))
}

// --- Conversation text handler ---

func (bot *Bot) handleText(c telebot.Context) error {
	userID := c.Sender().ID
	text := strings.TrimSpace(c.Text())

	switch bot.getState(userID) {
	case StateTopup_WaitAmount:
		return bot.textTopupAmount(c, userID, text)
	case StatePromo_WaitCode:
		return bot.textPromo(c, userID, text)
	case StateNewWatcher_WaitName:
		if text == "" {
			return c.Send("The name cannot be empty. Try again:")
		}
		bot.setTempData(userID, "new_name", text)
		bot.setState(userID, StateNewWatcher_WaitSources)
		return c.Send("Enter source links or ids (space or comma separated):")
	case StateNewWatcher_WaitSources:
		sources, err := bot.parseSources(userID, text)
		if err != nil {
			return c.Send(userMessage(err))
		}
		bot.setTempData(userID, "new_sources", joinInt64(sources))
		bot.setState(userID, StateNewWatcher_WaitKeywords)
		return c.Send("Great! Now enter the keywords (comma separated):")
	case StateNewWatcher_WaitKeywords:
		return bot.textCreateWatcher(c, userID, text)
	case StateEdit_WaitName:
		return bot.textEditName(c, userID, text)
	case StateEdit_WaitSources:
		return bot.textEditSources(c, userID, text)
	case StateEdit_WaitKeywords:
		return bot.textEditWords(c, userID, text, false)
	case StateEdit_WaitExcludes:
		return bot.textEditWords(c, userID, text, true)
	case StateExpand_WaitChats:
		return bot.textExpandChats(c, userID, text)
	case StateWithdraw_WaitAmount:
		return bot.textWithdrawAmount(c, userID, text)
	case StateWithdraw_WaitDestination:
		return bot.textWithdrawDestination(c, userID, text)
	case StateTransfer_WaitAmount:
		return bot.textTransferAmount(c, userID, text)
	}
	return nil
}

func parseAmount(text string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
}

func (bot *Bot) textTopupAmount(c telebot.Context, userID int64, text string) error {
	amount, err := parseAmount(text)
	if err != nil {
		return c.Send("Enter a number, e.g. 500 or 1200.50")
	}
	if amount < bot.Limits.MinTopup {
		return c.Send(fmt.Sprintf("The minimum top-up is %.0f ₽. Enter another amount:", bot.Limits.MinTopup))
	}
	bot.setState(userID, StateNone)

	id, url, err := bot.Gateway.CreatePayment(context.Background(), amount,
		fmt.Sprintf("Balance top-up %d for %.2f ₽", userID, amount), "", "")
	if err != nil {
		log.Printf("bot: create topup for %d: %v", userID, err)
		return c.Send("Could not create the payment. Try again later.")
	}
	if err := bot.Store.With(userID, func(a *model.Account) error {
		a.PendingPaymentID = id
		a.PendingPaymentKind = model.KindTopup
		a.PendingPaymentAmount = amount
		return nil
	}); err != nil {
		return err
	}
	tx := model.Transaction{ID: id, Kind: model.KindTopup, Amount: amount}
	go bot.Settle.Track(context.Background(), userID, tx, func(ctx context.Context) (string, error) {
		return bot.Gateway.PaymentStatus(ctx, id)
	})
	menu := &telebot.ReplyMarkup{}
	menu.Inline(menu.Row(menu.URL("Pay now", url)))
	return c.Send("Follow the link to pay.", menu)
}

func (bot *Bot) textPromo(c telebot.Context, userID int64, text string) error {
	code := strings.ToUpper(text)
	if strings.EqualFold(text, "skip") || text == "/skip" {
		bot.setState(userID, StateNone)
		var limit int
		bot.Store.View(userID, func(a *model.Account) { limit = a.ChatLimit })
		return bot.startSubscriptionPayment(c, userID, monthlyPrice(limit), limit,
			fmt.Sprintf("PRO subscription for %d", userID))
	}
	switch err := bot.Ledger.ApplyPromo(userID, code); {
	case err == nil:
		bot.setState(userID, StateNone)
		return c.Send("Promo code accepted! You have 7 free days of PRO.")
	case err == billing.ErrPromoUsed:
		return c.Send("This promo code was already used. Enter another one or send \"skip\".")
	default:
		return c.Send("Unknown promo code. Enter another one or send \"skip\".")
	}
}

func (bot *Bot) textCreateWatcher(c telebot.Context, userID int64, text string) error {
	keywords := splitWords(text)
	if len(keywords) == 0 {
		return c.Send("The list is empty. Enter at least one keyword:")
	}
	sources := splitInt64(bot.getTempData(userID, "new_sources"))
	name := bot.getTempData(userID, "new_name")
	bot.setState(userID, StateNone)

	w, err := bot.Ledger.CreateWatcher(userID, name)
	if err != nil {
		return c.Send("Could not create the watcher: " + userMessage(err))
	}
	if err := bot.Store.With(userID, func(a *model.Account) error {
		live := a.WatcherByID(w.ID)
		live.Keywords = keywords
		return nil
	}); err != nil {
		return err
	}
	if err := bot.Ledger.SetSources(context.Background(), userID, w.ID, sources); err != nil {
		return c.Send("Could not set the sources: " + userMessage(err))
	}
	if err := bot.Ledger.Resume(context.Background(), userID, w.ID); err != nil {
		log.Printf("bot: start watcher %d for %d: %v", w.ID, userID, err)
		return c.Send("Watcher created, but monitoring could not start: " + userMessage(err))
	}
	done := "✅ Monitoring started! You will be notified about matches."
	if bot.Limits.AlertBotLink != "" {
		done += "\nStart a chat with the alert bot to receive them there: " + bot.Limits.AlertBotLink
	}
	return c.Send(done, mainMenu())
}

func (bot *Bot) textEditName(c telebot.Context, userID int64, text string) error {
	id := bot.tempInt(userID, "edit_id")
	bot.setState(userID, StateNone)
	if text == "" {
		return c.Send("The name cannot be empty.")
	}
	err := bot.Store.With(userID, func(a *model.Account) error {
		w := a.WatcherByID(id)
		if w == nil {
			return billing.ErrWatcherNotFound
		}
		w.Name = text
		return nil
	})
	if err != nil {
		return c.Send(userMessage(err))
	}
	return c.Send("✅ Name updated.")
}

func (bot *Bot) textEditSources(c telebot.Context, userID int64, text string) error {
	id := bot.tempInt(userID, "edit_id")
	sources, err := bot.parseSources(userID, text)
	if err != nil {
		return c.Send(userMessage(err))
	}
	bot.setState(userID, StateNone)
	if err := bot.Ledger.SetSources(context.Background(), userID, id, sources); err != nil {
		return c.Send(userMessage(err))
	}
	return c.Send("✅ Sources updated.")
}

func (bot *Bot) textEditWords(c telebot.Context, userID int64, text string, exclude bool) error {
	id := bot.tempInt(userID, "edit_id")
	words := splitWords(text)
	if !exclude && len(words) == 0 {
		return c.Send("The list is empty. Enter at least one word:")
	}
	bot.setState(userID, StateNone)
	err := bot.Store.With(userID, func(a *model.Account) error {
		w := a.WatcherByID(id)
		if w == nil {
			return billing.ErrWatcherNotFound
		}
		if exclude {
			w.ExcludeKeywords = words
		} else {
			w.Keywords = words
		}
		return nil
	})
	if err != nil {
		return c.Send(userMessage(err))
	}
	if exclude {
		return c.Send("✅ Exclude words updated.")
	}
	return c.Send("✅ Keywords updated.")
}

func (bot *Bot) textExpandChats(c telebot.Context, userID int64, text string) error {
	chats, err := strconv.Atoi(text)
	if err != nil || chats <= 0 {
		return c.Send("Enter the number of sources as a number.")
	}
	price := monthlyPrice(chats)
	bot.setTempData(userID, "expand_chats", strconv.Itoa(chats))
	bot.setTempData(userID, "expand_price", fmt.Sprintf("%.2f", price))
	menu := &telebot.ReplyMarkup{}
	menu.Inline(menu.Row(btnExpandConfirm, btnExpandCancel))
	return c.Send(fmt.Sprintf("PRO with %d sources costs %.2f ₽/month. Confirm the payment?", chats, price), menu)
}

func (bot *Bot) textWithdrawAmount(c telebot.Context, userID int64, text string) error {
	amount, err := parseAmount(text)
	if err != nil {
		return c.Send("Enter a number, e.g. 500 or 1200.50")
	}
	if amount < bot.Limits.PayoutMin {
		return c.Send(fmt.Sprintf("The minimum payout is %.2f ₽. Enter another amount:", bot.Limits.PayoutMin))
	}
	var ref float64
	bot.Store.View(userID, func(a *model.Account) { ref = a.RefBalance })
	if amount > ref {
		return c.Send(fmt.Sprintf("Not enough funds (available %.2f ₽). Enter a smaller amount:", ref))
	}
	bot.setTempData(userID, "wd_amount", fmt.Sprintf("%.2f", amount))
	bot.setState(userID, StateNone)
	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnWDCard),
		menu.Row(btnWDYooMoney),
		menu.Row(btnWDSBP),
		menu.Row(btnWDCancel),
	)
	return c.Send("Where should the funds go?", menu)
}

func (bot *Bot) textWithdrawDestination(c telebot.Context, userID int64, text string) error {
	dest := strings.ReplaceAll(text, " ", "")
	method := bot.getTempData(userID, "wd_method")
	switch method {
	case yookassa.MethodCard:
		if !isDigits(dest) || len(dest) < 16 {
			return c.Send("That card number looks wrong. Enter 16-19 digits without spaces:")
		}
	case yookassa.MethodYooMoney:
		if !isDigits(dest) || len(dest) < 11 {
			return c.Send("That wallet number looks wrong. Enter a valid YooMoney number:")
		}
	case yookassa.MethodSBP:
		if countDigits(dest) < 10 {
			return c.Send("That phone looks wrong. Enter it like +79991234567:")
		}
	default:
		bot.setState(userID, StateNone)
		return c.Send("The payout request expired. Start over.")
	}
	bot.setTempData(userID, "wd_destination", dest)
	bot.setState(userID, StateNone)
	pretty := dest
	if method == yookassa.MethodCard && len(dest) >= 16 {
		pretty = "**** **** **** " + dest[len(dest)-4:]
	}
	amount := bot.getTempData(userID, "wd_amount")
	menu := &telebot.ReplyMarkup{}
	menu.Inline(menu.Row(btnWDConfirm, btnWDCancel))
	return c.Send(fmt.Sprintf("Confirm the payout of %s ₽ to %s (%s).", amount, method, pretty), menu)
}

func (bot *Bot) textTransferAmount(c telebot.Context, userID int64, text string) error {
	amount, err := parseAmount(text)
	if err != nil {
		return c.Send("Enter a number, e.g. 500 or 1200.50")
	}
	bot.setState(userID, StateNone)
	switch err := bot.Ledger.TransferReferral(userID, amount); {
	case err == nil:
		return c.Send(fmt.Sprintf("✅ Moved %.2f ₽ from the partner balance to the main one.", amount))
	case err == billing.ErrInsufficientReferral:
		return c.Send("Not enough funds on the partner balance.")
	default:
		return c.Send(userMessage(err))
	}
}

// --- Small helpers ---

// parseSources resolves a space/comma separated list of chat references.
// Numeric ids pass through; everything else is resolved through the
// account's session.
func (bot *Bot) parseSources(userID int64, text string) ([]int64, error) {
	parts := strings.Fields(strings.ReplaceAll(text, ",", " "))
	if len(parts) == 0 {
		return nil, fmt.Errorf("the list is empty, enter at least one link or id")
	}
	var sources []int64
	for _, part := range parts {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			sources = append(sources, id)
			continue
		}
		src, err := bot.Registry.ResolveSource(context.Background(), userID, part)
		if err != nil {
			return nil, fmt.Errorf("could not resolve %q: %s", part, userMessage(err))
		}
		sources = append(sources, src.ID)
	}
	return sources, nil
}

func splitWords(text string) []string {
	var words []string
	for _, w := range strings.Split(text, ",") {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

func joinInt64(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitInt64(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// monthlyPrice is the monthly subscription price for a given source limit.
func monthlyPrice(chats int) float64 {
	rates := billing.DefaultRates()
	extra := chats - rates.FreeSources
	if extra < 0 {
		extra = 0
	}
	return model.Round2(rates.BaseMonthly + float64(extra)*rates.ExtraChatMonthly)
}

// userMessage turns internal errors into a plain-language line; raw faults
// never reach the subscriber.
func userMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrAuthRequired):
		return "authorization required, sign in first"
	case errors.Is(err, session.ErrNoSession):
		return "no live session, sign in first"
	case errors.Is(err, billing.ErrWatcherNotFound):
		return "watcher not found"
	case errors.Is(err, billing.ErrWatcherActive):
		return "pause the watcher first"
	}
	var te *session.TransportError
	if errors.As(err, &te) {
		return "connection problem, try again later"
	}
	return "something went wrong, try again later"
}
