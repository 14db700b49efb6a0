//go:build !linux

package pseudomm

import "fmt"

type Client struct{}

func NewClient(devicePath string, pageSize uint64) (*Client, error) {
	return nil, fmt.Errorf("pseudo_mm device is only available on linux")
}

func (c *Client) Reserve(desiredBase *uint64) (Reservation, error) {
	return Reservation{}, fmt.Errorf("pseudo_mm device is only available on linux")
}

func (c *Client) AddMapping(id int32, start, end uint64) error {
	return fmt.Errorf("pseudo_mm device is only available on linux")
}

func (c *Client) SetupPageTable(id int32, start, size, poolPageOffset uint64) error {
	return fmt.Errorf("pseudo_mm device is only available on linux")
}

func (c *Client) Attach(pid, id int32) error {
	return fmt.Errorf("pseudo_mm device is only available on linux")
}
