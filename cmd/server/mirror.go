package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"svocraft.ai/internal/persistence/r2s3"
)

// openBuildLogMirror returns nil unless SVO_R2_MIRROR is set.
func openBuildLogMirror(dataDir string, logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("SVO_R2_MIRROR", false) {
		return nil, nil
	}
	opts := r2s3.Options{
		Endpoint:  os.Getenv("SVO_R2_ENDPOINT"),
		Bucket:    os.Getenv("SVO_R2_BUCKET"),
		Region:    os.Getenv("SVO_R2_REGION"),
		AccessKey: os.Getenv("SVO_R2_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("SVO_R2_SECRET_ACCESS_KEY"),
	}
	client, err := r2s3.New(opts)
	if err != nil {
		return nil, fmt.Errorf("SVO_R2_MIRROR=true: %w", err)
	}
	prefix := strings.TrimSpace(os.Getenv("SVO_R2_PREFIX"))
	return r2s3.NewMirror(client, dataDir, prefix, envInt("SVO_R2_UPLOAD_WORKERS", 2), 256, logger), nil
}
