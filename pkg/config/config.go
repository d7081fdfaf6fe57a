// Package config loads optional INI defaults for the server and client
// CLIs, the way the teacher's od_parser.go loads an EDS file with
// gopkg.in/ini.v1: ini.Load, then pull typed values out of a section.
// The package only reads the file; it does not merge values with CLI
// flags, and neither command under cmd/ calls it.
package config

import "gopkg.in/ini.v1"

// Server holds the server CLI's defaults (spec.md §6, "Server CLI").
type Server struct {
	Group   string
	Backing string
	ID      uint8
	Workers int
}

// Client holds the client CLI's defaults (spec.md §6, "Client CLI").
type Client struct {
	Device    string
	Group     string
	CachePath string
}

// LoadServer reads a [server] section from path.
func LoadServer(path string) (Server, error) {
	var s Server
	f, err := ini.Load(path)
	if err != nil {
		return s, err
	}
	sec := f.Section("server")
	s.Group = sec.Key("mcast").MustString("")
	s.Backing = sec.Key("backing").MustString("")
	s.ID = uint8(sec.Key("id").MustUint(0))
	s.Workers = sec.Key("workers").MustInt(1)
	return s, nil
}

// LoadClient reads a [client] section from path.
func LoadClient(path string) (Client, error) {
	var c Client
	f, err := ini.Load(path)
	if err != nil {
		return c, err
	}
	sec := f.Section("client")
	c.Device = sec.Key("device").MustString("")
	c.Group = sec.Key("mcast").MustString("")
	c.CachePath = sec.Key("cache").MustString("")
	return c, nil
}
