package main

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/lumberjack"
)

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// logOutput returns stdout, teed into a size-rotated file when path is set.
func logOutput(path string, maxMB, maxAgeDays int) (io.Writer, func()) {
	if strings.TrimSpace(path) == "" {
		return os.Stdout, func() {}
	}
	lj := &lumberjack.Logger{
		Filename: path,
		MaxSize:  maxMB, // megabytes
		MaxAge:   maxAgeDays,
	}
	return io.MultiWriter(os.Stdout, lj), func() { _ = lj.Close() }
}
