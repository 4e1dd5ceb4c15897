package chain

import "strings"

const eventNFTSend = "cosmos.nft.v1beta1.EventSend"

// NFTSend is one NFT moved by a transaction.
type NFTSend struct {
	ClassID  string
	NFTID    string
	Sender   string
	Receiver string
}

// ExtractNFTSends lists the x/nft transfers recorded in a transaction's
// events. Typed event attributes are JSON strings, so quotes are stripped.
func ExtractNFTSends(events []Event) []NFTSend {
	var out []NFTSend
	for _, ev := range events {
		if ev.Type != eventNFTSend {
			continue
		}
		var s NFTSend
		for _, attr := range ev.Attributes {
			v := strings.Trim(attr.Value, `"`)
			switch attr.Key {
			case "class_id":
				s.ClassID = v
			case "id":
				s.NFTID = v
			case "sender":
				s.Sender = v
			case "receiver":
				s.Receiver = v
			}
		}
		if s.NFTID != "" {
			out = append(out, s)
		}
	}
	return out
}
