package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomchat/internal/chat"
)

// Sink exports chat activity as Prometheus collectors.
type Sink struct {
	connections  prometheus.Gauge
	usersOnline  prometheus.Gauge
	roomsJoined  prometheus.Counter
	roomPresence *prometheus.GaugeVec
	messagesSent *prometheus.CounterVec
	gatherer     prometheus.Gatherer
}

var _ chat.Metrics = (*Sink)(nil)

// New registers the collectors on a fresh registry.
func New() *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Sink {
	s := &Sink{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_connections",
			Help: "Current number of live websocket connections",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_users_available",
			Help: "Current number of identities with at least one connection",
		}),
		roomsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_rooms_joined_total",
			Help: "Total number of room joins",
		}),
		roomPresence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomchat_room_presence",
			Help: "Identities currently present per room",
		}, []string{"room"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_messages_sent_total",
			Help: "Total number of chat messages sent per room",
		}, []string{"room"}),
		gatherer: gatherer,
	}
	reg.MustRegister(s.connections, s.usersOnline, s.roomsJoined, s.roomPresence, s.messagesSent)
	return s
}

func (s *Sink) ConnectionOpened() { s.connections.Inc() }
func (s *Sink) ConnectionClosed() { s.connections.Dec() }
func (s *Sink) UserAvailable()    { s.usersOnline.Inc() }
func (s *Sink) UserUnavailable()  { s.usersOnline.Dec() }
func (s *Sink) RoomJoined(string) { s.roomsJoined.Inc() }

func (s *Sink) RoomPresence(room string, delta int) {
	s.roomPresence.WithLabelValues(room).Add(float64(delta))
}

func (s *Sink) MessageSent(room string) {
	s.messagesSent.WithLabelValues(room).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}
