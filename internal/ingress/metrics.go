package ingress

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendzoned",
			Subsystem: "ingress",
			Name:      "started_transactions",
			Help:      "SMTP sessions started (connection accepted and smtp:connect hooks passed)",
		},
		[]string{"listener"},
	)
	acceptedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendzoned",
			Subsystem: "ingress",
			Name:      "accepted_messages",
			Help:      "Messages accepted at DATA and handed to Mail Drop",
		},
		[]string{"listener"},
	)
	failedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendzoned",
			Subsystem: "ingress",
			Name:      "failed_commands",
			Help:      "Commands failed with an error mapped by wrapErr (CONNECT, AUTH, MAIL, RCPT, DATA)",
		},
		[]string{"listener", "command", "smtp_code"},
	)
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendzoned",
			Subsystem: "ingress",
			Name:      "failed_logins",
			Help:      "AUTH command failures",
		},
		[]string{"listener"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(acceptedMessages)
	prometheus.MustRegister(failedCommands)
	prometheus.MustRegister(failedLogins)
}
