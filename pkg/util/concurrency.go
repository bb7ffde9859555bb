package util

import (
	"runtime"
	"strconv"

	_ "go.uber.org/automaxprocs"
	"gopkg.in/yaml.v3"
)

// ConcurrencyLimit is the number of merges or reads that run at the
// same time. Zero stands for "auto": the number of usable CPUs.
type ConcurrencyLimit int

// N returns the effective limit, at least 1.
func (c ConcurrencyLimit) N() int {
	if c <= 0 {
		return runtime.GOMAXPROCS(-1)
	}
	return int(c)
}

func (c *ConcurrencyLimit) String() string {
	if *c == 0 {
		return "auto"
	}
	return strconv.Itoa(int(*c))
}

func (c *ConcurrencyLimit) Set(v string) error {
	if v == "" || v == "auto" {
		*c = 0
		return nil
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*c = ConcurrencyLimit(max(p, 1))
	return nil
}

func (c *ConcurrencyLimit) UnmarshalText(text []byte) error {
	return c.Set(string(text))
}

func (c *ConcurrencyLimit) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConcurrencyLimit) UnmarshalYAML(value *yaml.Node) error {
	return c.Set(value.Value)
}
