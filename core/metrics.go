package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xcrew",
		Name:      "session_verifications_total",
		Help:      "Dashboard session verifications by outcome.",
	}, []string{"outcome"})

	portalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xcrew",
		Name:      "portal_requests_total",
		Help:      "HTTP exchanges with the crew portal by endpoint and status code.",
	}, []string{"endpoint", "status"})

	portalReauthentications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xcrew",
		Name:      "portal_reauthentications_total",
		Help:      "Logins triggered by a detected portal session expiry.",
	})

	fanoutItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xcrew",
		Name:      "fanout_items_total",
		Help:      "Items processed by bounded fan-out runs.",
	}, []string{"result"})
)
