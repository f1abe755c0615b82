package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/logger"
	"oraclesync/internal/infrastructure/websocket"
)

// oracletail 订阅广播房间并逐行打印事件
func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "broadcast endpoint")
	rooms := flag.String("rooms", strings.Join([]string{domain.RoomPrices, domain.RoomAlerts}, ","), "comma separated rooms")
	filter := flag.String("filter", "", `json filter, e.g. {"payload.chain":"ethereum"}`)
	attempts := flag.Int("max-attempts", 0, "consecutive dial failures before giving up, 0 = forever")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger.Setup(*level)

	var f websocket.Filter
	if *filter != "" {
		if err := json.Unmarshal([]byte(*filter), &f); err != nil {
			log.Fatal().Err(err).Msg("invalid filter")
		}
	}

	retry := websocket.DefaultRetryConfig()
	retry.MaxAttempts = *attempts
	client := websocket.NewClient(*url, websocket.ClientOptions{Retry: retry, ReadTimeout: 90 * time.Second})
	for _, r := range strings.Split(*rooms, ",") {
		if r = strings.TrimSpace(r); r != "" {
			_ = client.Subscribe(r, f)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Run(ctx, func(m websocket.ServerMessage) {
		switch m.Type {
		case websocket.MsgConnected:
			log.Info().Str("socket", m.SocketID).Msg("connected")
		case websocket.MsgEvent:
			log.Info().Str("room", m.Room).RawJSON("event", m.Event).Msg("event")
		case websocket.MsgError:
			log.Warn().Str("action", m.Action).Str("error", m.Error).Msg("server error")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("tail stopped")
	}
}
