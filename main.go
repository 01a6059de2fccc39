package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"leadwatch-bot/billing"
	"leadwatch-bot/bot"
	"leadwatch-bot/config"
	"leadwatch-bot/export"
	"leadwatch-bot/monitor"
	"leadwatch-bot/notify"
	"leadwatch-bot/session"
	"leadwatch-bot/settlement"
	"leadwatch-bot/store"
	"leadwatch-bot/transport"
	"leadwatch-bot/yookassa"

	"github.com/robfig/cron/v3"
	"gopkg.in/telebot.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal(err)
	}
	if err := st.Load(); err != nil {
		log.Fatal(err)
	}

	mainBot, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.Bot.Token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		log.Fatal(err)
	}

	var alertBot *telebot.Bot
	if cfg.Bot.AlertToken != "" {
		alertBot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.Bot.AlertToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		})
		if err != nil {
			log.Fatal(err)
		}
	} else {
		log.Println("ALERT_BOT_TOKEN not set, match alerts go through the main bot")
	}

	notifier := notify.New(mainBot, alertBot)

	norm, err := monitor.NewNormalizer()
	if err != nil {
		log.Fatal(err)
	}
	engine := monitor.NewEngine(st, norm, notifier)

	// The MTProto backend is linked separately; without it sessions report
	// an authorization error instead of connecting.
	registry := session.NewRegistry(transport.Disconnected{}, st, engine)

	exporter := export.NewSender(mainBot, st)

	rates := billing.Rates{
		BaseMonthly:      cfg.Billing.BaseMonthly,
		ExtraChatMonthly: cfg.Billing.ExtraChatMonthly,
		FreeSources:      cfg.Billing.FreeSources,
		DaysInMonth:      30,
	}
	ledger := billing.New(st, registry, notifier, exporter, rates)

	coordinator := settlement.New(st, notifier, settlement.Config{
		PollInterval: cfg.Settlement.PollInterval,
		MaxAttempts:  cfg.Settlement.MaxAttempts,
	})

	gateway := yookassa.NewClient(yookassa.Config{
		ShopID:       cfg.Gateway.ShopID,
		SecretKey:    cfg.Gateway.SecretKey,
		PayoutShopID: cfg.Gateway.PayoutShopID,
		PayoutSecret: cfg.Gateway.PayoutSecret,
		ReturnURL:    cfg.Gateway.ReturnURL,
	})

	b := bot.NewBot(mainBot)
	b.Store = st
	b.Ledger = ledger
	b.Registry = registry
	b.Settle = coordinator
	b.Gateway = gateway
	b.Exporter = exporter
	b.Limits = bot.Limits{
		MinTopup:     cfg.Billing.MinTopup,
		PayoutMin:    cfg.Gateway.PayoutMin,
		AlertBotLink: cfg.Bot.AlertBotLink,
	}

	// Scheduler
	c := cron.New()

	c.AddFunc(fmt.Sprintf("0 %d * * *", cfg.Billing.ChargeHourUTC), func() {
		ledger.RunCycle(context.Background())
	})

	c.Start()

	// Catch up on charges missed while the process was down, then bring
	// the active watchers back up.
	go func() {
		ledger.RunCycle(context.Background())
		for _, id := range st.IDs() {
			if err := ledger.RestoreMonitors(context.Background(), id); err != nil {
				log.Printf("main: restore monitors for %d: %v", id, err)
			}
		}
	}()

	log.Println("Bot started...")
	b.Start()
}
