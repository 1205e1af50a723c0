package hal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Line protocol spoken with the MCU.
//
// MCU -> host, one sample per line:
//
//	S,<unix_micros>,<seal>,<secondary>,<heart_rate|->,<flow|->,<motion|->
//	F,<message>                      peripheral fault report
//
// Host -> MCU:
//
//	I,<percent>                      vacuum actuator intensity
//	V,<intake><release><aux>         valve states as 0/1 digits
//	E,<frequency>,<percent>          electrical output
//	X                                emergency vent
const (
	samplePrefix = "S"
	faultPrefix  = "F"
	missingField = "-"
)

// parseLine parses a sample line from the MCU.
// Example: S,1234567890123,62.5,20.1,72,-,0.02
func parseLine(line string) (SensorSample, error) {
	parts := strings.Split(line, ",")
	if len(parts) == 0 || parts[0] != samplePrefix {
		return SensorSample{}, fmt.Errorf("invalid line: unknown record %q", line)
	}
	if len(parts) != 7 {
		return SensorSample{}, fmt.Errorf("invalid line format: expected 7 comma-separated values, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return SensorSample{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	seal, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return SensorSample{}, fmt.Errorf("invalid seal pressure: %w", err)
	}

	secondary, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return SensorSample{}, fmt.Errorf("invalid secondary pressure: %w", err)
	}

	var aux AuxReadings
	for i, dst := range []**float64{&aux.HeartRate, &aux.FluidFlow, &aux.Motion} {
		field := parts[4+i]
		if field == missingField || field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return SensorSample{}, fmt.Errorf("invalid aux field %d: %w", i, err)
		}
		*dst = &v
	}

	return SensorSample{
		Timestamp:         time.UnixMicro(micros),
		SealPressure:      seal,
		SecondaryPressure: secondary,
		AuxReadings:       aux,
	}, nil
}

func formatIntensity(percent float64) string {
	return "I," + strconv.FormatFloat(percent, 'f', 1, 64) + "\n"
}

func formatValves(v Valves) string {
	var cmd strings.Builder
	cmd.WriteString("V,")
	for _, on := range []bool{v.Intake, v.Release, v.Aux} {
		if on {
			cmd.WriteByte('1')
		} else {
			cmd.WriteByte('0')
		}
	}
	cmd.WriteByte('\n')
	return cmd.String()
}

func formatElectrical(frequencyHz, percent float64) string {
	return "E," + strconv.FormatFloat(frequencyHz, 'f', 1, 64) + "," + strconv.FormatFloat(percent, 'f', 1, 64) + "\n"
}

const ventCommand = "X\n"
