package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputManager handles output file organization and path management
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// RunOutputDir is the directory holding one API run's artifacts.
func (om *OutputManager) RunOutputDir(runID string) string {
	return filepath.Join(om.BaseOutputDir, runID)
}

// CreateRunOutputDir creates the directory for a run's outputs
func (om *OutputManager) CreateRunOutputDir(runID string) (string, error) {
	if !validSegment(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	runDir := om.RunOutputDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run output directory: %w", err)
	}
	return runDir, nil
}

// GetOutputFilePath resolves a file of a run, which may sit in a
// subdirectory such as a tag ranking dir. Paths escaping the run directory
// are rejected.
func (om *OutputManager) GetOutputFilePath(runID, relPath string) (string, error) {
	if !validSegment(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid output path %q", relPath)
	}
	return filepath.Join(om.RunOutputDir(runID), clean), nil
}

// GetDownloadURL generates a download URL for a file
func (om *OutputManager) GetDownloadURL(runID, relPath string) string {
	return fmt.Sprintf("/api/v1/download/%s/%s", runID, filepath.ToSlash(relPath))
}

// GetFileType determines the file type based on extension
func (om *OutputManager) GetFileType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".json":
		return "json"
	case ".xlsx":
		return "excel"
	default:
		return "unknown"
	}
}

// GetContentType maps a file type onto a response content type.
func (om *OutputManager) GetContentType(fileName string) string {
	switch om.GetFileType(fileName) {
	case "json":
		return "application/json"
	case "excel":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// GetFileSize returns the size of a file in bytes
func (om *OutputManager) GetFileSize(filePath string) (int64, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return fileInfo.Size(), nil
}

// EnsureOutputDirExists ensures the base output directory exists
func (om *OutputManager) EnsureOutputDirExists() error {
	return os.MkdirAll(om.BaseOutputDir, 0755)
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
