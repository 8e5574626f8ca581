// Package types 定義了 sdk-runtime 中跨模組共用的領域列舉與資料結構
package types

import "time"

// RuntimeState SDK 執行狀態
type RuntimeState int32

// 定義執行狀態常數
const (
	StateOff       RuntimeState = iota // 閒置狀態：初始與最終狀態
	StateReady                         // 已啟動：SDK 視自己為 started
	StateFinishing                     // 收尾中：等待背景工作佇列清空後才轉為 OFF
)

// String returns the log-friendly name of the state.
func (s RuntimeState) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateReady:
		return "READY"
	case StateFinishing:
		return "FINISHING"
	default:
		return "UNKNOWN"
	}
}

// HostKind 呼叫端種類
type HostKind int

const (
	HostForeground HostKind = iota // 前景 UI surface
	HostService                    // 背景 service
)

// String returns the log-friendly name of the host kind.
func (k HostKind) String() string {
	if k == HostService {
		return "service"
	}
	return "foreground"
}

// QueryKind 查詢種類，同時作為 wire 上的 "type" 欄位
type QueryKind string

const (
	QueryStart           QueryKind = "start"
	QueryPushToken       QueryKind = "push"
	QueryAttributes      QueryKind = "attributes"
	QueryAttributesCheck QueryKind = "attributes_check"
	QueryTracking        QueryKind = "tracking"
	QueryMetrics         QueryKind = "metrics"
)

// FailureReason 失敗分類
type FailureReason string

const (
	FailureNetwork           FailureReason = "NETWORK_ERROR"
	FailureInvalidAPIKey     FailureReason = "INVALID_API_KEY"
	FailureDeactivatedAPIKey FailureReason = "DEACTIVATED_API_KEY"
	FailureUnexpected        FailureReason = "UNEXPECTED_ERROR"
)

// IsTerminal reports whether the failure means the current configuration
// should stop calling the backend until it is reconfigured.
func (r FailureReason) IsTerminal() bool {
	return r == FailureInvalidAPIKey || r == FailureDeactivatedAPIKey
}

// Metric 單一 webservice 的耗時紀錄
type Metric struct {
	Kind     string        `json:"kind"`     // webservice 短名稱
	Success  bool          `json:"success"`  // 是否成功
	Duration time.Duration `json:"-"`        // 實際耗時
	Millis   int64         `json:"duration"` // 毫秒，送往後端的格式
}

// Event 會話事件，由 tracker 緩衝後批次送出
type Event struct {
	Name      string    `json:"name"`      // 事件名稱，例如 session.start
	SessionID string    `json:"sessionId"` // 所屬 session
	At        time.Time `json:"at"`        // 事件時間
}

// 會話事件名稱
const (
	EventSessionStart = "session.start"
	EventSessionStop  = "session.stop"
)
