package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	globalLogFileHandle     *os.File
	globalBufferedLogWriter *bufio.Writer
	globalLogMessageQueue   chan string
	isLoggerInitialized     atomic.Bool
	minimumSeverityLevel    atomic.Int32
	baseLogDirectoryPath    string
	loggerMutex             sync.Mutex
	shutdownSignalChannel   chan struct{}
	backgroundWaitGroup     sync.WaitGroup
	consoleOutput           io.Writer = os.Stdout
	droppedMessageCount     atomic.Int64
)

const (
	SeverityDebug             = 0
	SeverityInfo              = 1
	SeverityWarning           = 2
	SeverityError             = 3
	MaximumLogFileSizeInBytes = 10 * 1024 * 1024 // 10 Megabytes
	logQueueCapacity          = 10000
	logFileName               = "system.log"
)

// ParseSeverityLevel maps a configured level name to a severity, defaulting to INFO.
func ParseSeverityLevel(levelString string) int {
	switch strings.ToUpper(strings.TrimSpace(levelString)) {
	case "DEBUG":
		return SeverityDebug
	case "WARN", "WARNING":
		return SeverityWarning
	case "ERROR":
		return SeverityError
	default:
		return SeverityInfo
	}
}

func InitializeLogger(directoryPath string, levelString string) error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if isLoggerInitialized.Load() {
		closeAndFlushLoggerInternal()
	}

	baseLogDirectoryPath = directoryPath
	if err := os.MkdirAll(directoryPath, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := openLogFileInternal(); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	globalLogMessageQueue = make(chan string, logQueueCapacity)
	shutdownSignalChannel = make(chan struct{})
	minimumSeverityLevel.Store(int32(ParseSeverityLevel(levelString)))

	isLoggerInitialized.Store(true)
	backgroundWaitGroup.Add(1)
	go processLogQueueInBackground(globalLogMessageQueue, shutdownSignalChannel)

	return nil
}

// SetConsoleOutput redirects the console copy of every message; nil silences it.
func SetConsoleOutput(w io.Writer) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if w == nil {
		w = io.Discard
	}
	consoleOutput = w
}

func ShutdownLogger() {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	closeAndFlushLoggerInternal()
}

func closeAndFlushLoggerInternal() {
	if !isLoggerInitialized.Load() {
		return
	}

	isLoggerInitialized.Store(false)
	close(shutdownSignalChannel)
	loggerMutex.Unlock()
	backgroundWaitGroup.Wait()
	loggerMutex.Lock()

	if globalBufferedLogWriter != nil {
		globalBufferedLogWriter.Flush()
	}
	if globalLogFileHandle != nil {
		globalLogFileHandle.Close()
	}
	globalBufferedLogWriter = nil
	globalLogFileHandle = nil
}

func openLogFileInternal() error {
	filePath := filepath.Join(baseLogDirectoryPath, logFileName)
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	globalLogFileHandle = file
	globalBufferedLogWriter = bufio.NewWriter(file)
	return nil
}

func IsLoggerInitialized() bool {
	return isLoggerInitialized.Load()
}

// DroppedMessageCount reports messages discarded because the queue was full.
func DroppedMessageCount() int64 {
	return droppedMessageCount.Load()
}

func processLogQueueInBackground(queue chan string, shutdown chan struct{}) {
	defer backgroundWaitGroup.Done()
	flushTicker := time.NewTicker(500 * time.Millisecond)
	defer flushTicker.Stop()

	bytesWrittenSinceLastCheck := int64(0)
	write := func(message string) {
		loggerMutex.Lock()
		if globalBufferedLogWriter != nil {
			bytesWritten, _ := globalBufferedLogWriter.WriteString(message + "\n")
			bytesWrittenSinceLastCheck += int64(bytesWritten)
		}
		fmt.Fprintln(consoleOutput, message)
		loggerMutex.Unlock()

		if bytesWrittenSinceLastCheck > 1024*10 {
			CheckAndRotateLogFile()
			bytesWrittenSinceLastCheck = 0
		}
	}

	for {
		select {
		case message := <-queue:
			write(message)
		case <-flushTicker.C:
			loggerMutex.Lock()
			if globalBufferedLogWriter != nil {
				globalBufferedLogWriter.Flush()
			}
			loggerMutex.Unlock()
		case <-shutdown:
			for {
				select {
				case message := <-queue:
					write(message)
				default:
					return
				}
			}
		}
	}
}

func CheckAndRotateLogFile() {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if globalLogFileHandle == nil {
		return
	}

	fileInfo, err := globalLogFileHandle.Stat()
	if err == nil && fileInfo.Size() > MaximumLogFileSizeInBytes {
		globalBufferedLogWriter.Flush()
		globalLogFileHandle.Close()

		oldFilePath := filepath.Join(baseLogDirectoryPath, logFileName)
		newFilePath := oldFilePath + "." + fmt.Sprint(time.Now().UnixNano())
		os.Rename(oldFilePath, newFilePath)

		if err := openLogFileInternal(); err != nil {
			globalLogFileHandle = nil
			globalBufferedLogWriter = nil
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
			return
		}
		fmt.Fprintf(globalBufferedLogWriter, "%s [INF] Rotated log file after %s to %s\n",
			time.Now().Format("2006/01/02 15:04:05"), humanize.IBytes(uint64(fileInfo.Size())), filepath.Base(newFilePath))
	}
}

func tryQueueLogMessage(prefix string, format string, args ...interface{}) {
	if !isLoggerInitialized.Load() {
		return
	}

	timestamp := time.Now().Format("2006/01/02 15:04:05")
	formattedMessage := fmt.Sprintf("%s %s "+format, append([]interface{}{timestamp, prefix}, args...)...)

	select {
	case globalLogMessageQueue <- formattedMessage:
	default:
		// Queue full, drop message to prevent deadlock
		droppedMessageCount.Add(1)
	}
}

func enabled(severity int) bool {
	return int(minimumSeverityLevel.Load()) <= severity
}

func LogAccessEvent(format string, args ...interface{}) {
	tryQueueLogMessage("[ACC]", format, args...)
}

func LogInfoEvent(format string, args ...interface{}) {
	if enabled(SeverityInfo) {
		tryQueueLogMessage("[INF]", format, args...)
	}
}

func LogWarningEvent(format string, args ...interface{}) {
	if enabled(SeverityWarning) {
		tryQueueLogMessage("[WRN]", format, args...)
	}
}

func LogErrorEvent(format string, args ...interface{}) {
	if enabled(SeverityError) {
		tryQueueLogMessage("[ERR]", format, args...)
	}
}

func LogDebugEvent(format string, args ...interface{}) {
	if enabled(SeverityDebug) {
		tryQueueLogMessage("[DBG]", format, args...)
	}
}
