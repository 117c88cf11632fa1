package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var dapFlag = false
var rpcFlag = false
var listenerFlag = false

var logOut io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(logOut)
	logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// DAP returns true if the DAP protocol exchange should be logged.
func DAP() bool {
	return dapFlag
}

// DAPLogger returns a logger for the DAP front-end protocol.
func DAPLogger() *logrus.Entry {
	return makeLogger(dapFlag, logrus.Fields{"layer": "dap"})
}

// RPC returns true if requests to the remote debugger API should be logged.
func RPC() bool {
	return rpcFlag
}

// RPCLogger returns a logger for remote debugger API traffic.
func RPCLogger() *logrus.Entry {
	return makeLogger(rpcFlag, logrus.Fields{"layer": "rpc"})
}

// Listener returns true if the attach listener loop should log.
func Listener() bool {
	return listenerFlag
}

// ListenerLogger returns a logger for the attach listener loop.
func ListenerLogger() *logrus.Entry {
	return makeLogger(listenerFlag, logrus.Fields{"layer": "listener"})
}

// WriteDAPListeningMessage writes the message that front-ends use to
// detect that the server is ready to accept a connection.
func WriteDAPListeningMessage(addr string) {
	fmt.Printf("DAP server listening at: %s\n", addr)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "dap"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "dap":
			dapFlag = true
		case "rpc":
			rpcFlag = true
		case "listener":
			listenerFlag = true
		default:
			return fmt.Errorf("invalid log component %q", logcmd)
		}
	}
	return nil
}
