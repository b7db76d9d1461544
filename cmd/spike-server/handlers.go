package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/FancyFong/redis-distributed-lock/v1/notify"
	"github.com/FancyFong/redis-distributed-lock/v1/reservation"
)

// newMux mounts the reservation routes. The event streams are only served
// when bus is not nil.
func newMux(svc *reservation.Service, bus notify.Subscriber, reg *prometheus.Registry, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/spike/queryOrder", textHandler(svc.Query, logger))
	mux.Handle("/spike/orderProductMockDiffUser", textHandler(svc.ReserveUnsynchronized, logger))
	mux.Handle("/spike/orderProductMockDiffUserBySynchronized", textHandler(svc.ReserveSerialized, logger))
	mux.Handle("/spike/orderProductMockDiffUserByRedis", textHandler(svc.ReserveDistributedLock, logger))
	if bus != nil {
		mux.Handle("/spike/events", notify.WebSocketHandler(bus))
		mux.Handle("/spike/events/stream", notify.SSEHandler(bus))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// textHandler serves op for the productId query parameter as a plain-text
// reply. Every outcome, including contention, is a 200 with a message.
func textHandler(op func(context.Context, string) string, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		productID := r.URL.Query().Get("productId")
		if productID == "" {
			http.Error(w, "missing productId", http.StatusBadRequest)
			return
		}
		reply := op(r.Context(), productID)
		logger.Debug().Str("path", r.URL.Path).Str("product", productID).Str("reply", reply).Msg("request")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(reply))
	})
}
