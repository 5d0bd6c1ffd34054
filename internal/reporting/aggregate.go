package reporting

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"callboard/internal/calls"
)

const dayLayout = "2006-01-02"

func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// statsWindow returns [from, to) covering days whole days before today plus today.
func statsWindow(now time.Time, days int) (from, to time.Time) {
	today := startOfUTCDay(now)
	return today.AddDate(0, 0, -days), today.AddDate(0, 0, 1)
}

// computeStats aggregates cs, which must already be limited to the window
// starting at from. The chart has days+1 zero-filled points, oldest first.
func computeStats(cs []calls.Call, from time.Time, days int) Stats {
	out := Stats{
		ChartData:   make([]ChartPoint, 0, days+1),
		PieData:     []PieSlice{},
		RecentCalls: []calls.Call{},
	}

	byDay := make(map[string]*ChartPoint, days+1)
	for i := 0; i <= days; i++ {
		d := from.AddDate(0, 0, i).Format(dayLayout)
		out.ChartData = append(out.ChartData, ChartPoint{Date: d, Spend: decimal.Zero})
	}
	for i := range out.ChartData {
		byDay[out.ChartData[i].Date] = &out.ChartData[i]
	}

	var (
		spend     = decimal.Zero
		duration  int
		successes int
		byStatus  = map[string]int{}
	)
	for _, c := range cs {
		out.KPIs.TotalCalls++
		spend = spend.Add(c.Spend())
		duration += c.Duration()
		if c.Status.IsSuccess() {
			successes++
		}

		name := string(c.Status)
		if name == "" {
			name = string(calls.StatusUnknown)
		}
		byStatus[name]++

		if p, ok := byDay[c.OccurredAt().UTC().Format(dayLayout)]; ok {
			p.Calls++
			p.Spend = p.Spend.Add(c.Spend())
		}
	}
	for i := range out.ChartData {
		out.ChartData[i].Spend = out.ChartData[i].Spend.Round(2)
	}

	out.KPIs.TotalSpend = spend.Round(2)
	out.KPIs.AvgDuration = avgSeconds(duration, out.KPIs.TotalCalls)
	out.KPIs.SuccessRate = percent(successes, out.KPIs.TotalCalls)

	for name, n := range byStatus {
		out.PieData = append(out.PieData, PieSlice{Name: name, Value: n})
	}
	sort.Slice(out.PieData, func(i, j int) bool {
		if out.PieData[i].Value != out.PieData[j].Value {
			return out.PieData[i].Value > out.PieData[j].Value
		}
		return out.PieData[i].Name < out.PieData[j].Name
	})

	out.RecentCalls = recent(cs, recentCallsLimit)
	return out
}

func recent(cs []calls.Call, n int) []calls.Call {
	sorted := make([]calls.Call, len(cs))
	copy(sorted, cs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt().After(sorted[j].OccurredAt())
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func metricsFromTotals(t calls.AgentTotals) AgentMetrics {
	return AgentMetrics{
		TotalCalls:  t.TotalCalls,
		TotalCost:   t.TotalCost.Round(2),
		AvgDuration: avgSeconds(t.TotalDuration, t.TotalCalls),
		SuccessRate: percent(t.SuccessCalls, t.TotalCalls),
	}
}

func avgSeconds(total, n int) int {
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(total) / float64(n)))
}

// percent is 100*part/whole rounded to 2 decimals; 0 when whole is 0.
func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(10000*float64(part)/float64(whole)) / 100
}

func totalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
