package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"callboard/internal/agents"
	"callboard/internal/calls"
)

// Source tells the client where a result came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceVendor Source = "vendor"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100

	DefaultDays = 7
	MaxDays     = 365

	recentCallsLimit = 5
)

// ListRequest selects a page of a tenant's calls.
// Status and AgentID of "all" mean no filter.
type ListRequest struct {
	TenantID string
	Page     int
	Limit    int
	Status   string
	AgentID  string
	Search   string
	From     *time.Time
	To       *time.Time
}

type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type CallPage struct {
	Data       []calls.Call `json:"data"`
	Pagination Pagination   `json:"pagination"`
	Source     Source       `json:"source"`
}

// StatsRequest covers the last Days whole UTC days plus today.
type StatsRequest struct {
	TenantID string
	Days     int
}

type KPIs struct {
	TotalCalls  int             `json:"totalCalls"`
	TotalSpend  decimal.Decimal `json:"totalSpend"`
	AvgDuration int             `json:"avgDuration"`
	SuccessRate float64         `json:"successRate"`
}

type ChartPoint struct {
	Date  string          `json:"date"`
	Calls int             `json:"calls"`
	Spend decimal.Decimal `json:"spend"`
}

type PieSlice struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type Stats struct {
	KPIs        KPIs         `json:"kpis"`
	ChartData   []ChartPoint `json:"chartData"`
	PieData     []PieSlice   `json:"pieData"`
	RecentCalls []calls.Call `json:"recentCalls"`
	Source      Source       `json:"source"`
}

type AgentList struct {
	Data   []agents.Agent `json:"data"`
	Source Source         `json:"source"`
}

type AgentMetrics struct {
	TotalCalls  int             `json:"totalCalls"`
	TotalCost   decimal.Decimal `json:"totalCost"`
	AvgDuration int             `json:"avgDuration"`
	SuccessRate float64         `json:"successRate"`
}

type AgentWithMetrics struct {
	agents.Agent
	Metrics AgentMetrics `json:"metrics"`
}
