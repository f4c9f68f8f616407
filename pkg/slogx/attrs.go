package slogx

import (
	"log/slog"
)

const (
	// KeyLoggerName is the key naming the component that logged a record.
	KeyLoggerName = "logger"
	// KeyClientID is the key for a context's client id.
	KeyClientID = "client_id"
	// KeyTopic is the key for a message topic.
	KeyTopic = "topic"
)

// Error returns a slog.Attr with the key "error" and the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// ByteString creates a slog.Attr with the given key and the byte slice value
// rendered as a string. Used for raw wire frames.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// ClientID creates a slog.Attr for a client id. It accepts any string-like
// id type so callers need not convert.
func ClientID[T ~string](id T) slog.Attr {
	return slog.String(KeyClientID, string(id))
}

// Topic creates a slog.Attr for a message topic.
func Topic(topic string) slog.Attr {
	return slog.String(KeyTopic, topic)
}
