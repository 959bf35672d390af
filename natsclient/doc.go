// Package natsclient manages the NATS connection used by the jetstream
// stream backend and the nats archive store.
//
// A Client wraps one nats.Conn and its JetStream context. Connect failures
// feed a circuit breaker: after a threshold of consecutive failures (default
// 5) the circuit opens, Connect fails fast with ErrCircuitOpen, and the
// backoff doubles up to a maximum before the next attempt is allowed.
// Reconnection after a successful connect is left to nats.go.
//
//	client, err := natsclient.NewClient(cfg.NATS.URL(),
//		natsclient.WithName("killkrill-worker"),
//		natsclient.WithMetrics(registry, "killkrill", 30*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	js, err := client.JetStream()
//
// With WithMetrics the client polls every stream bound to the subject
// prefix and exports stored messages and bytes, and per consumer group the
// unread, unacknowledged and redelivered counts.
//
// Ping is suitable as a health.CheckFunc.
package natsclient
