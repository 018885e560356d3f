package slurm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/broker/pkg/engine"
)

// tresLimits are GrpTRESMins budgets in Slurm units; -1 clears a limit.
type tresLimits struct {
	cpuMins int64
	memMins int64 // MB-minutes
	gpuMins int64
}

// limitsFor converts hour budgets from the order attributes (cpu_hours,
// gpu_hours, ram_gb_hours) into GrpTRESMins.
func limitsFor(attrs engine.Attributes) (tresLimits, error) {
	l := tresLimits{cpuMins: -1, memMins: -1, gpuMins: -1}
	for key, dst := range map[string]*int64{
		string(engine.DimensionCPUHours):   &l.cpuMins,
		string(engine.DimensionGPUHours):   &l.gpuMins,
		string(engine.DimensionRAMGBHours): &l.memMins,
	} {
		v, ok := attrs.Float(key)
		if !ok {
			if _, present := attrs[key]; present {
				return l, engine.NewInvalidRequestError(fmt.Sprintf("%s must be a number", key), nil)
			}
			continue
		}
		if v < 0 {
			return l, engine.NewInvalidRequestError(fmt.Sprintf("%s must not be negative", key), nil)
		}
		mins := int64(v * 60)
		if key == string(engine.DimensionRAMGBHours) {
			mins *= 1024
		}
		*dst = mins
	}
	return l, nil
}

// String renders the limits as a GrpTRESMins value.
func (l tresLimits) String() string {
	return fmt.Sprintf("cpu=%d,mem=%d,gres/gpu=%d", l.cpuMins, l.memMins, l.gpuMins)
}

// parseUtilization reads `sreport -nP ... format=Account,Login,TRESName,Used`
// output in minutes and returns the account totals in hours. Per-user rows
// are skipped.
func parseUtilization(out, account string) map[engine.Dimension]float64 {
	totals := make(map[engine.Dimension]float64)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 4 || fields[0] != account || fields[1] != "" {
			continue
		}
		used, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			continue
		}
		switch fields[2] {
		case "cpu":
			totals[engine.DimensionCPUHours] += used / 60
		case "mem":
			totals[engine.DimensionRAMGBHours] += used / 1024 / 60
		case "gres/gpu":
			totals[engine.DimensionGPUHours] += used / 60
		}
	}
	return totals
}
