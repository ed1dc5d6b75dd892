//go:build !windows

package sources

const shellIntegrationSupported = true
