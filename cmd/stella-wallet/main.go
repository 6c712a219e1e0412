package main

import (
	"context"
	"time"

	"stellawallet.io/stella-wallet/internal/cache"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/internal/chains/tonapi"
	"stellawallet.io/stella-wallet/internal/config"
	"stellawallet.io/stella-wallet/internal/dapp"
	"stellawallet.io/stella-wallet/internal/dapp/tonconnect"
	"stellawallet.io/stella-wallet/internal/dapp/walletconnect"
	"stellawallet.io/stella-wallet/internal/database"
	"stellawallet.io/stella-wallet/internal/databus"
	"stellawallet.io/stella-wallet/internal/http"
	"stellawallet.io/stella-wallet/pkg/common"
	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	config.Read()
	log.SetLevel(config.Global.LogLevel)
	if config.Global.SentryDSN != "" {
		if err := errors.NewSentryReporter(config.Global.SentryDSN, time.Minute); err != nil {
			log.Fatal(err)
		}
	}
	ctx := context.Background()
	database.Init(&config.Global.Postgres)
	defer database.Close(ctx)
	cache.Init(&config.Global.RedisCredential)
	defer cache.Close()
	if config.Global.KafkaServer != "" {
		databus.InitDataBus(config.Global.KafkaServer)
	}

	registry := chains.NewRegistry()
	if config.Global.TonAPI.BaseURL != "" {
		tonapi.Init(config.Global.TonAPI.BaseURL, config.Global.TonAPI.APIKey)
		registry.Register("ton", tonapi.NewEngine())
	}
	store := database.ConnectionStore{}
	promises := dapp.NewPromises(config.Global.Bridge.ApprovalTimeout())
	defer promises.Close()

	manager := dapp.NewManager()
	manager.Register(tonconnect.New())
	manager.Register(walletconnect.New())
	defer manager.Destroy()
	manager.Init(&dapp.Config{
		OnUpdate: publishUpdate,
		Store:    store,
		Cursor:   cache.StreamCursor{},
		Chains:   registry,
		Promises: promises,
		Bridge:   &config.Global.Bridge,
	})
	manager.ResetupRemoteConnections(ctx)

	server := http.NewServer(manager, store, promises)
	server.Run()
}

// publishUpdate fans bridge updates out to the wallet update bus. Without a
// broker the updates are only logged.
func publishUpdate(update dapp.Update) {
	if databus.GetDataBus() == nil {
		log.Debugf("bridge update %v:%v", update.Type(), common.MustGetJSONString(update))
		return
	}
	event := &databus.BridgeUpdate{
		EventID:   dapp.NextEventID(),
		EventType: update.Type(),
		Payload:   update,
	}
	if err := databus.GetDataBus().Publish(event); err != nil {
		log.Error(err)
	}
}
