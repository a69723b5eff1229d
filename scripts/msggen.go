package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/popstellar/laocore/internal/infrastructure/keystore"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

type options struct {
	op         string
	privateKey string
	laoID      string

	name         string
	creation     int64
	lastModified int64
	witnesses    string
	organizer    string

	modificationID string
	signatures     string

	frontend string
	address  string
	peers    string

	messageID   string
	instanceID  string
	createdAt   int64
	keyType     string
	keyID       string
	keyProperty string
	value       string
	accept      bool
	decision    bool
	acceptors   string
}

type output struct {
	Channel   protocol.Channel `json:"channel"`
	Message   protocol.Message `json:"message"`
	PublicKey string           `json:"public_key"`
}

func main() {
	var opt options
	now := time.Now().Unix()

	flag.StringVar(&opt.op, "op", "", "operation: create|update|state|greet|witness|elect|elect-accept|learn|failure")
	flag.StringVar(&opt.privateKey, "private-key", "", "32-byte Ed25519 seed, hex or base64url; default random")
	flag.StringVar(&opt.laoID, "lao-id", "", "lao identifier; derived for create")

	flag.StringVar(&opt.name, "name", "Lao", "lao name for create, update and state")
	flag.Int64Var(&opt.creation, "creation", now, "creation time in unix seconds")
	flag.Int64Var(&opt.lastModified, "last-modified", now, "last_modified for update and state")
	flag.StringVar(&opt.witnesses, "witnesses", "", "comma-separated witness public keys")
	flag.StringVar(&opt.organizer, "organizer", "", "organizer public key for state; default signer")

	flag.StringVar(&opt.modificationID, "modification-id", "", "update message id for state")
	flag.StringVar(&opt.signatures, "signatures", "", "comma-separated witness:signature pairs for state")

	flag.StringVar(&opt.frontend, "frontend", "", "server public key for greet; default signer")
	flag.StringVar(&opt.address, "address", "ws://localhost:9000/client", "server address for greet")
	flag.StringVar(&opt.peers, "peers", "", "comma-separated peer addresses for greet")

	flag.StringVar(&opt.messageID, "message-id", "", "target message id for witness, elect-accept, learn and failure")
	flag.StringVar(&opt.instanceID, "instance-id", "", "consensus instance id; derived from the key for elect")
	flag.Int64Var(&opt.createdAt, "created-at", now, "consensus created_at in unix seconds")
	flag.StringVar(&opt.keyType, "key-type", "roll_call", "consensus key type")
	flag.StringVar(&opt.keyID, "key-id", "", "consensus key id")
	flag.StringVar(&opt.keyProperty, "key-property", "state", "consensus key property")
	flag.StringVar(&opt.value, "value", "started", "proposed value for elect")
	flag.BoolVar(&opt.accept, "accept", true, "accept flag for elect-accept")
	flag.BoolVar(&opt.decision, "decision", true, "decision for learn")
	flag.StringVar(&opt.acceptors, "acceptors", "", "comma-separated acceptor signatures for learn")
	flag.Parse()

	key, err := loadKey(opt.privateKey)
	if err != nil {
		log.Fatal(err)
	}
	channel, data, err := buildPayload(strings.ToLower(strings.TrimSpace(opt.op)), opt, key)
	if err != nil {
		log.Fatal(err)
	}
	msg, err := protocol.NewMessage(key, data)
	if err != nil {
		log.Fatal(err)
	}
	out, err := json.Marshal(output{Channel: channel, Message: msg, PublicKey: key.PublicKey()})
	if err != nil {
		log.Fatal(err)
	}
	_, _ = os.Stdout.Write(out)
}

func loadKey(raw string) (protocol.KeyPair, error) {
	if strings.TrimSpace(raw) == "" {
		return protocol.GenerateKeyPair()
	}
	return keystore.Load(keystore.Source{Seed: raw})
}

func buildPayload(op string, opt options, key protocol.KeyPair) (protocol.Channel, protocol.Data, error) {
	laoID := strings.TrimSpace(opt.laoID)
	if op != "create" && laoID == "" {
		return "", nil, fmt.Errorf("lao-id is required for %s", op)
	}

	switch op {
	case "create":
		c := protocol.NewCreateLao(key.PublicKey(), opt.name, opt.creation, splitCSV(opt.witnesses))
		return protocol.RootChannel, c, nil

	case "update", "update-properties", "update_properties":
		return protocol.LaoChannel(laoID), protocol.UpdateLao{
			ID:           laoID,
			Name:         opt.name,
			LastModified: opt.lastModified,
			Witnesses:    protocol.SortedKeys(splitCSV(opt.witnesses)),
		}, nil

	case "state":
		if opt.modificationID == "" {
			return "", nil, errors.New("modification-id is required for state")
		}
		sigs, err := parseSignatures(opt.signatures)
		if err != nil {
			return "", nil, err
		}
		organizer := strings.TrimSpace(opt.organizer)
		if organizer == "" {
			organizer = key.PublicKey()
		}
		return protocol.LaoChannel(laoID), protocol.StateLao{
			ID:                     laoID,
			Name:                   opt.name,
			Creation:               opt.creation,
			LastModified:           opt.lastModified,
			Organizer:              organizer,
			Witnesses:              protocol.SortedKeys(splitCSV(opt.witnesses)),
			ModificationID:         opt.modificationID,
			ModificationSignatures: sigs,
		}, nil

	case "greet":
		frontend := strings.TrimSpace(opt.frontend)
		if frontend == "" {
			frontend = key.PublicKey()
		}
		peers := []protocol.PeerAddress{}
		for _, p := range splitCSV(opt.peers) {
			peers = append(peers, protocol.PeerAddress{Address: p})
		}
		return protocol.LaoChannel(laoID), protocol.GreetLao{Lao: laoID, Frontend: frontend, Address: opt.address, Peers: peers}, nil

	case "witness":
		if opt.messageID == "" {
			return "", nil, errors.New("message-id is required for witness")
		}
		sig, err := protocol.SignMessageID(key, opt.messageID)
		if err != nil {
			return "", nil, err
		}
		return protocol.LaoChannel(laoID), protocol.WitnessMessageSignature{MessageID: opt.messageID, Signature: sig}, nil

	case "elect":
		if opt.keyID == "" {
			return "", nil, errors.New("key-id is required for elect")
		}
		k := protocol.ConsensusKey{Type: opt.keyType, ID: opt.keyID, Property: opt.keyProperty}
		return protocol.ConsensusChannel(laoID), protocol.ConsensusElect{
			InstanceID: protocol.ElectInstanceID(k),
			CreatedAt:  opt.createdAt,
			Key:        k,
			Value:      opt.value,
		}, nil

	case "elect-accept", "elect_accept":
		if opt.messageID == "" || opt.instanceID == "" {
			return "", nil, errors.New("message-id and instance-id are required for elect-accept")
		}
		return protocol.ConsensusChannel(laoID), protocol.ConsensusElectAccept{
			InstanceID: opt.instanceID,
			MessageID:  opt.messageID,
			Accept:     opt.accept,
		}, nil

	case "learn":
		if opt.messageID == "" || opt.instanceID == "" {
			return "", nil, errors.New("message-id and instance-id are required for learn")
		}
		return protocol.ConsensusChannel(laoID), protocol.ConsensusLearn{
			InstanceID:         opt.instanceID,
			MessageID:          opt.messageID,
			CreatedAt:          opt.createdAt,
			Value:              protocol.LearnValue{Decision: opt.decision},
			AcceptorSignatures: splitCSV(opt.acceptors),
		}, nil

	case "failure":
		if opt.messageID == "" || opt.instanceID == "" {
			return "", nil, errors.New("message-id and instance-id are required for failure")
		}
		return protocol.ConsensusChannel(laoID), protocol.ConsensusFailure{
			InstanceID: opt.instanceID,
			MessageID:  opt.messageID,
			CreatedAt:  opt.createdAt,
		}, nil
	}
	return "", nil, fmt.Errorf("unsupported op: %q", op)
}

func parseSignatures(raw string) ([]protocol.WitnessSignature, error) {
	out := []protocol.WitnessSignature{}
	for _, pair := range splitCSV(raw) {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid signature pair %q, expected witness:signature", pair)
		}
		out = append(out, protocol.WitnessSignature{Witness: parts[0], Signature: parts[1]})
	}
	return out, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, item := range parts {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
