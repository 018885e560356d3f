package kubernetes

import (
	"fmt"
	"math"

	"github.com/openfroyo/broker/pkg/engine"
)

type quota struct {
	cores float64
	ramGB float64
	pods  int
}

// quotaFor reads cores, ram_gb and pods from the order attributes.
func quotaFor(attrs engine.Attributes, defaultPods int) (quota, error) {
	q := quota{pods: defaultPods}

	cores, ok := attrs.Float(string(engine.DimensionCores))
	if !ok || cores <= 0 {
		return q, engine.NewInvalidRequestError("cores must be a positive number", nil)
	}
	ram, ok := attrs.Float(string(engine.DimensionRAMGB))
	if !ok || ram <= 0 {
		return q, engine.NewInvalidRequestError("ram_gb must be a positive number", nil)
	}
	q.cores, q.ramGB = cores, ram

	if _, present := attrs[string(engine.DimensionPods)]; present {
		pods, ok := attrs.Float(string(engine.DimensionPods))
		if !ok || pods < 1 || pods != math.Trunc(pods) {
			return q, engine.NewInvalidRequestError(fmt.Sprintf("%s must be a positive integer", engine.DimensionPods), nil)
		}
		q.pods = int(pods)
	}
	return q, nil
}
