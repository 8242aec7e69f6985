package moonbot

import (
	"net"
	"strconv"
	"time"
)

// ServerID identifies a registered bot endpoint.
//
// It intentionally uses an integer alias so identifiers remain comparable when
// embedded into other structs (e.g., ingest.WorkItem) and usable as map keys
// in the listener registry.
type ServerID int64

// UserID identifies the owning control-plane user.
type UserID int64

// Server is a registered bot endpoint. The (Host, Port) pair is the peer
// identity used for datagram demultiplexing; changing either tears down and
// re-creates the listener.
type Server struct {
	ID               ServerID
	UserID           UserID
	Name             string
	Host             string
	Port             int
	Password         string
	IsActive         bool
	IsLocalhost      bool
	KeepaliveEnabled bool
	GroupName        string
	DefaultCurrency  BaseCurrency
}

// PeerAddr returns the canonical "host:port" form used as demux key.
func (s Server) PeerAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SQLLog is one replication statement streamed by a bot. (ServerID, CommandID)
// is unique; UDP retries of the same command id are silently dropped.
type SQLLog struct {
	ID         int64     `json:"id"`
	ServerID   ServerID  `json:"server_id"`
	CommandID  int64     `json:"command_id"`
	SQLText    string    `json:"sql_text"`
	ReceivedAt time.Time `json:"received_at"`
	Processed  bool      `json:"processed"`
}

// Balance is the last reported wallet state of one bot. Last write wins.
type Balance struct {
	ServerID  ServerID  `json:"server_id"`
	BotName   string    `json:"bot_name"`
	Available float64   `json:"available"`
	Total     float64   `json:"total"`
	IsRunning bool      `json:"is_running"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Strategy is one strategy definition reported by a bot.
type Strategy struct {
	ServerID   ServerID  `json:"server_id"`
	Name       string    `json:"name"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Chart is one chart snapshot pushed by a bot.
type Chart struct {
	ServerID   ServerID  `json:"server_id"`
	Symbol     string    `json:"symbol"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// APIError is one error event reported by a bot (or synthesized locally for
// malformed replication payloads).
type APIError struct {
	ServerID   ServerID  `json:"server_id"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// ServerStatus tracks probe health for one server.
type ServerStatus struct {
	ServerID            ServerID      `json:"server_id"`
	IsOnline            bool          `json:"is_online"`
	LastPing            time.Time     `json:"last_ping"`
	ResponseTime        time.Duration `json:"response_time"`
	UptimePercentage    float64       `json:"uptime_percentage"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// CommandHistory records one dispatched command and its outcome.
type CommandHistory struct {
	ID            string        `json:"id"`
	ServerID      ServerID      `json:"server_id"`
	UserID        UserID        `json:"user_id"`
	Command       string        `json:"command"`
	Response      string        `json:"response"`
	Status        CommandStatus `json:"status"`
	ExecutionTime time.Duration `json:"execution_time"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CommandStatus is the outcome of a dispatched command.
type CommandStatus string

const (
	CommandSuccess CommandStatus = "success"
	CommandError   CommandStatus = "error"
)

// NotificationKind routes a fan-out digest on the client side.
type NotificationKind string

const (
	NotifySQLLog        NotificationKind = "sql_log"
	NotifyOrderUpdate   NotificationKind = "order_update"
	NotifyBalanceUpdate NotificationKind = "balance_update"
	NotifyAPIError      NotificationKind = "api_error"
	NotifyChartUpdate   NotificationKind = "chart_update"
	NotifyServerStatus  NotificationKind = "server_status"
)

// Notification is a digest pushed to all WebSocket connections of one user.
// Clients receive digests, never raw bot traffic.
type Notification struct {
	Kind     NotificationKind `json:"type"`
	ServerID ServerID         `json:"server_id"`
	Payload  any              `json:"payload,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
}
