package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() must validate cleanly: %v", err)
	}
}

func TestValidateRejectsZeroMaxStrikes(t *testing.T) {
	c := Default()
	c.MaxStrikes = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for MaxStrikes=0")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.Port = 70000
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateRejectsZeroMaxReliableBodyLength(t *testing.T) {
	c := Default()
	c.MaxReliableBodyLength = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for MaxReliableBodyLength=0")
	}
}

func TestValidateRejectsZeroDispatcherTasks(t *testing.T) {
	c := Default()
	c.MaxDispatcherTasks = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for MaxDispatcherTasks=0")
	}
}
