package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrCodeInvalidPolicy, "bad entry")

	assert.Equal(t, ErrCodeInvalidPolicy, err.Code)
	assert.Equal(t, CategoryValidation, err.Category)
	assert.Equal(t, "bad entry", err.Message)
	assert.False(t, err.Timestamp.IsZero())
	assert.False(t, err.Retryable)

	transient := NewError(ErrCodeServiceUnavailable, "package manager not loaded")
	assert.True(t, transient.Retryable)
	assert.Equal(t, CategoryService, transient.Category)
}

func TestErrorString(t *testing.T) {
	err := Newf(ErrCodeDeviceIO, "get %s", "IMG_0001.JPG").
		WithComponent("camera").
		WithOperation("GetFile").
		WithCause(fmt.Errorf("usb reset"))

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "[camera:GetFile] DEVICE_IO: get IMG_0001.JPG"), msg)
	assert.Contains(t, msg, "usb reset")
}

func TestIsMatchesByCode(t *testing.T) {
	notFound := Sentinel(ErrCodeNotFound, "no such file")
	wrapped := fmt.Errorf("lookup: %w", NewError(ErrCodeNotFound, "IMG_0002.JPG"))

	assert.True(t, errors.Is(wrapped, notFound))
	assert.False(t, errors.Is(wrapped, Sentinel(ErrCodeBusy, "busy")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeStoreRead, "read"))

	cause := fs.ErrPermission
	err := Wrap(cause, ErrCodeStoreWrite, "write clean_notify.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrPermission))

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeStoreWrite, code)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want StatusCode
	}{
		{"nil", nil, E_OK},
		{"plain", errors.New("boom"), E_ERR},
		{"not exist", fs.ErrNotExist, E_NOT_FOUND},
		{"invalid policy", NewError(ErrCodeInvalidPolicy, "x"), E_PARAMS_INVALID},
		{"service", NewError(ErrCodeServiceUnavailable, "x"), E_SERVICE_UNAVAILABLE},
		{"io", NewError(ErrCodeSampleFailed, "x"), E_IO},
		{"busy wrapped", fmt.Errorf("ctx: %w", NewError(ErrCodeBusy, "x")), E_BUSY},
		{"no space", NewError(ErrCodeNoSpace, "x"), E_NO_SPACE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
	assert.Equal(t, "E_OK", E_OK.String())
	assert.Equal(t, "StatusCode(7)", StatusCode(7).String())
}

func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"raw errno", fmt.Errorf("staging: %w", syscall.ENOSPC), syscall.ENOSPC},
		{"not exist", fs.ErrNotExist, syscall.ENOENT},
		{"path", NewError(ErrCodePathInvalid, ".."), syscall.EINVAL},
		{"not found", NewError(ErrCodeNotFound, "x"), syscall.ENOENT},
		{"exists", NewError(ErrCodeExists, "x"), syscall.EEXIST},
		{"not empty", NewError(ErrCodeNotEmpty, "x"), syscall.ENOTEMPTY},
		{"read only", NewError(ErrCodeReadOnly, "x"), syscall.EROFS},
		{"busy", NewError(ErrCodeBusy, "x"), syscall.EBUSY},
		{"device", NewError(ErrCodeDeviceIO, "x"), syscall.EIO},
		{"unknown", errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestJSON(t *testing.T) {
	err := NewError(ErrCodeCleanupFailed, "partial").WithDetail("freed", 80)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(err.JSON()), &decoded))
	assert.Equal(t, "CLEANUP_FAILED", decoded["code"])
	assert.Equal(t, "service", decoded["category"])
	assert.Equal(t, float64(80), decoded["details"].(map[string]interface{})["freed"])
}
