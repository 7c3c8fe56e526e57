package reactor

import "errors"

var errPollError = errors.New("reactor: descriptor reported an error event")

func isEAGAIN(err error) bool {
	return errors.Is(err, errEAGAIN)
}
