package adagio

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/physic"
)

// DAIFormat mirrors the SND_SOC_DAIFMT_* bits the link is declared with.
type DAIFormat uint

const (
	FormatI2S    DAIFormat = 1
	FormatNBNF   DAIFormat = 1 << 8  // normal bit clock and frame
	FormatCBMCFM DAIFormat = 1 << 12 // codec is bit clock and frame master
)

// DAILink describes the single digital audio link between the I2S controller and the codec.
type DAILink struct {
	Name       string
	StreamName string
	CPUDAI     string
	CodecDAI   string
	Platform   string
	Codec      string
	Format     DAIFormat
}

// Card is the sound card topology handed to the audio framework.
type Card struct {
	Name  string
	Links []DAILink
}

func NewCard() *Card {
	return &Card{
		Name: "snd_adagioconnect",
		Links: []DAILink{{
			Name:       "AdagioConnect",
			StreamName: "AdagioConnect HiFi",
			CPUDAI:     "3f203000.i2s",
			CodecDAI:   "snd-soc-dummy-dai",
			Platform:   "3f203000.i2s",
			Codec:      "snd-soc-dummy",
			Format:     FormatI2S | FormatNBNF | FormatCBMCFM,
		}},
	}
}

func (c *Card) String() string {
	var links []string
	for _, l := range c.Links {
		links = append(links, fmt.Sprintf("%s (%s: %s <-> %s, fmt %#x)", l.Name, l.StreamName, l.CPUDAI, l.CodecDAI, uint(l.Format)))
	}
	return fmt.Sprintf("%s [%s]", c.Name, strings.Join(links, ", "))
}

// Framework is the host audio framework the card is registered with.
type Framework interface {
	RegisterCard(c *Card) error
	UnregisterCard(c *Card) error
}

// DAI is one end of a link as seen through the framework.
type DAI interface {
	SetBCLKRatio(ratio uint) error
	SetSysclk(clkID int, freq physic.Frequency, dir int) error
}

// BiasLevel is the codec power state, in the framework's order.
type BiasLevel int

const (
	BiasOff BiasLevel = iota
	BiasStandby
	BiasPrepare
	BiasOn
)

var biasNames = []string{"OFF", "STANDBY", "PREPARE", "ON"}

func (b BiasLevel) String() string {
	if b >= 0 && int(b) < len(biasNames) {
		return biasNames[b]
	}
	return fmt.Sprintf("BiasLevel(%d)", int(b))
}

func ParseBiasLevel(s string) (BiasLevel, error) {
	for i, n := range biasNames {
		if strings.EqualFold(s, n) {
			return BiasLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown bias level %q", s)
}
