package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/cburgoyne/adagio/adagio"
	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"
)

// linkDAI is one end of the card's link. The audio host reads back what the driver asked for.
type linkDAI struct {
	name   string
	ratio  uint
	sysclk physic.Frequency
}

func (d *linkDAI) SetBCLKRatio(ratio uint) error {
	glog.V(1).Infof("%s: BCLK ratio %d", d.name, ratio)
	d.ratio = ratio
	return nil
}

func (d *linkDAI) SetSysclk(clkID int, freq physic.Frequency, dir int) error {
	if clkID != 0 || dir != 0 {
		return fmt.Errorf("%s: unsupported sysclk %d direction %d", d.name, clkID, dir)
	}
	glog.V(1).Infof("%s: SYSCLK %v", d.name, freq)
	d.sysclk = freq
	return nil
}

// Server is the audio host's side of the card: it accepts the registration and passes stream
// and power events from its clients on to the driver.
type Server struct {
	d     *adagio.Driver
	l     net.Listener
	mu    sync.Mutex
	card  *adagio.Card
	cpu   *linkDAI
	codec *linkDAI
	// rateMu is held from HWParams until the link settings are read back.
	rateMu sync.Mutex
}

func NewServer(port int, d *adagio.Driver) (*Server, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	glog.Infof("Listening on port %d", port)
	return newServer(l, d), nil
}

func newServer(l net.Listener, d *adagio.Driver) *Server {
	return &Server{d: d, l: l}
}

func (s *Server) RegisterCard(c *adagio.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card != nil {
		return fmt.Errorf("card %s already registered", s.card.Name)
	}
	if len(c.Links) != 1 {
		return fmt.Errorf("card %s has %d links, want 1", c.Name, len(c.Links))
	}
	s.card = c
	s.cpu = &linkDAI{name: c.Links[0].CPUDAI}
	s.codec = &linkDAI{name: c.Links[0].CodecDAI}
	return nil
}

func (s *Server) UnregisterCard(c *adagio.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card != c {
		return fmt.Errorf("card %s isn't registered", c.Name)
	}
	s.card = nil
	return nil
}

func (s *Server) link() (*linkDAI, *linkDAI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return nil, nil, errors.New("no card registered")
	}
	return s.cpu, s.codec, nil
}

// runCommand carries out one command and returns the text following OK in the reply.
func (s *Server) runCommand(cmd, parms string) (string, error) {
	switch cmd {
	case "RATE":
		rate, err := strconv.Atoi(parms)
		if err != nil {
			return "", fmt.Errorf("error parsing rate: %v", err)
		}
		cpu, codec, err := s.link()
		if err != nil {
			return "", err
		}
		s.rateMu.Lock()
		defer s.rateMu.Unlock()
		err = s.d.HWParams(rate, cpu, codec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("bclk %d sysclk %v", cpu.ratio, codec.sysclk), nil
	case "BIAS":
		l, err := adagio.ParseBiasLevel(parms)
		if err != nil {
			return "", err
		}
		return "", s.d.SetBiasLevel(l)
	case "RESET":
		return "", s.d.Reset()
	case "STATUS":
		return s.d.Status(), nil
	}
	return "", fmt.Errorf("unknown command: %s", cmd)
}

func (s *Server) handleConnection(c net.Conn) {
	glog.Infof("Handling connection from %v", c.RemoteAddr())
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		l, err := r.ReadString('\n')
		if err == io.EOF {
			glog.V(1).Infof("EOF for connection %v", c.RemoteAddr())
			return
		}
		if err != nil {
			glog.Errorf("Error reading string for connection %v: %v", c.RemoteAddr(), err)
			return
		}
		l = strings.TrimSpace(l)
		glog.V(1).Infof("Got line '%s'", l)
		t := strings.SplitN(l, " ", 2)
		cmd := strings.ToUpper(t[0])
		parms := ""
		if len(t) > 1 {
			parms = strings.TrimSpace(t[1])
		}
		if cmd == "QUIT" {
			return
		}
		reply, err := s.runCommand(cmd, parms)
		if err != nil {
			glog.Errorf("%s failed: %v", cmd, err)
			w.WriteString("ERR: " + err.Error() + "\n")
		} else if reply != "" {
			w.WriteString("OK " + reply + "\n")
		} else {
			w.WriteString("OK\n")
		}
		err = w.Flush()
		if err != nil {
			glog.Errorf("Error writing reply: %v", err)
			return
		}
	}
}

func (s *Server) handleConnections() {
	for {
		conn, err := s.l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			glog.Errorf("Error accepting connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) Close() error {
	return s.l.Close()
}
