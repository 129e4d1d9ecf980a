package bridge

import (
	"strconv"

	"worker-tracker/constant"
)

// Options are the flags of the bridge CLI contract.
type Options struct {
	Mode              constant.BridgeMode
	Username          string
	DurationSec       int
	SampleIntervalSec float64
	MaxComments       int
	MaxGifts          int
	CollectChat       bool
}

func (o Options) Args() []string {
	args := []string{
		"--mode", o.Mode.String(),
		"--username", o.Username,
		"--duration-sec", strconv.Itoa(o.DurationSec),
		"--sample-interval-sec", strconv.FormatFloat(o.SampleIntervalSec, 'f', -1, 64),
		"--max-comments", strconv.Itoa(o.MaxComments),
		"--max-gifts", strconv.Itoa(o.MaxGifts),
	}
	if o.CollectChat {
		args = append(args, "--collect-chat")
	}
	return args
}
