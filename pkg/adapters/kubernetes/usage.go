package kubernetes

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openfroyo/broker/pkg/engine"
)

// Usage is integrated on the namespace itself so that a restarted broker
// continues the running total.
const (
	annotationCPUHours = "broker.openfroyo.io/cpu-hours"
	annotationPolledAt = "broker.openfroyo.io/polled-at"
	annotationPeriod   = "broker.openfroyo.io/period"
)

// PollUsage implements engine.Adapter. Requested CPU from the quota status is
// integrated over the time since the last poll and reported as cumulative
// core-hours for the month. The first poll records a baseline only.
func (a *Adapter) PollUsage(ctx context.Context, handle engine.BackendHandle) ([]engine.UsageSample, error) {
	name := a.namespaceFor(handle)
	namespaces := a.clientset.CoreV1().Namespaces()

	ns, err := namespaces.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, mapError("get namespace", err)
	}
	rq, err := a.clientset.CoreV1().ResourceQuotas(name).Get(ctx, QuotaName, metav1.GetOptions{})
	if err != nil {
		return nil, mapError("get quota", err)
	}

	now := a.now().UTC()
	period := engine.PeriodOf(now)

	var usedCores float64
	if used, ok := rq.Status.Used[corev1.ResourceRequestsCPU]; ok {
		usedCores = used.AsApproximateFloat64()
	}

	var total float64
	lastPoll, polled := parseTime(ns.Annotations[annotationPolledAt])
	if polled {
		if ns.Annotations[annotationPeriod] == period {
			total, _ = strconv.ParseFloat(ns.Annotations[annotationCPUHours], 64)
		}
		since := lastPoll
		if start := periodStart(now); since.Before(start) {
			since = start
		}
		if elapsed := now.Sub(since); elapsed > 0 {
			total += usedCores * elapsed.Hours()
		}
	}
	total = math.Round(total*10000) / 10000

	if ns.Annotations == nil {
		ns.Annotations = map[string]string{}
	}
	ns.Annotations[annotationCPUHours] = strconv.FormatFloat(total, 'f', -1, 64)
	ns.Annotations[annotationPolledAt] = now.Format(time.RFC3339Nano)
	ns.Annotations[annotationPeriod] = period
	if _, err := namespaces.Update(ctx, ns, metav1.UpdateOptions{}); err != nil {
		return nil, mapError("record usage", err)
	}

	if !polled {
		return nil, nil
	}
	return []engine.UsageSample{{
		SampleID:   fmt.Sprintf("k8s:%s:%s:%s:%s", name, period, engine.DimensionCPUHours, strconv.FormatFloat(total, 'f', -1, 64)),
		Dimension:  engine.DimensionCPUHours,
		Quantity:   total,
		Cumulative: true,
		Period:     period,
		SampledAt:  now,
	}}, nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, err == nil
}

func periodStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
