package internal

import (
	"testing"

	"github.com/kcmvp/archunit"
)

func TestArchitecture(t *testing.T) {
	core := archunit.Packages("core", []string{".../internal/color", ".../internal/milight", ".../internal/bulb"})
	hosts := archunit.Packages("hosts", []string{".../internal/accessory/...", ".../internal/registry", ".../internal/app"})
	storage := archunit.Packages("storage", []string{".../internal/db"})

	// Rule 1: the device model knows nothing about how accessories are published
	if err := core.ShouldNotReferLayers(hosts); err != nil {
		t.Errorf("Architecture violation: core depends on hosts: %v", err)
	}

	// Rule 2: the device model is stateless on disk
	if err := core.ShouldNotReferLayers(storage); err != nil {
		t.Errorf("Architecture violation: core depends on storage: %v", err)
	}
}

func TestHostsPresent(t *testing.T) {
	mqtt := archunit.Packages("mqtt", []string{".../internal/accessory/mqtt"})
	if len(mqtt.Packages()) == 0 {
		t.Error("No MQTT accessory host found")
	}
}
