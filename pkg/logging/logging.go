package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	instanceID   string
	instanceOnce sync.Once

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffered so connection goroutines never block on logging
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// GetInstanceID returns the identifier this proxy instance logs under.
// PROXY_ID allows a fixed value; otherwise the hostname (or its tail) is used.
func GetInstanceID() string {
	instanceOnce.Do(func() {
		instanceID = os.Getenv("PROXY_ID")
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

// Logf logs a formatted message with instance ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	initLogWorker()
	msg := fmt.Sprintf(format, v...)
	logMsg := fmt.Sprintf("[proxy=%s] %s", GetInstanceID(), msg)

	// If the channel is full, fall back to synchronous logging
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Log logs a message with instance ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	initLogWorker()
	msg := fmt.Sprint(v...)
	logMsg := fmt.Sprintf("[proxy=%s] %s", GetInstanceID(), msg)

	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Fatalf logs a fatal error with instance ID prefix and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[proxy=%s] %s", GetInstanceID(), msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
