package krpc

import (
	"fmt"

	"github.com/kestrel-dht/crawler/internal/bencode"
	"github.com/kestrel-dht/crawler/internal/kademlia"
)

func EncodeQuery(txID string, method QueryMethod, queryID kademlia.NodeID, extra map[string]bencode.Value) []byte {
	args := map[string]bencode.Value{"id": bencode.String(queryID[:])}
	for k, v := range extra {
		args[k] = v
	}
	msg := bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txID),
		"y": bencode.Str(string(TypeQuery)),
		"q": bencode.Str(string(method)),
		"a": bencode.Dict(args),
	})
	return bencode.Encode(msg)
}

func EncodePing(txID string, queryID kademlia.NodeID) []byte {
	return EncodeQuery(txID, MethodPing, queryID, nil)
}

func EncodeFindNode(txID string, queryID, target kademlia.NodeID) []byte {
	return EncodeQuery(txID, MethodFindNode, queryID, map[string]bencode.Value{
		"target": bencode.String(target[:]),
	})
}

func EncodeGetPeers(txID string, queryID kademlia.NodeID, infoHash kademlia.InfoHash) []byte {
	return EncodeQuery(txID, MethodGetPeers, queryID, map[string]bencode.Value{
		"info_hash": bencode.String(infoHash[:]),
	})
}

func EncodeAnnouncePeer(txID string, queryID kademlia.NodeID, infoHash kademlia.InfoHash, port int, token string) []byte {
	return EncodeQuery(txID, MethodAnnouncePeer, queryID, map[string]bencode.Value{
		"info_hash": bencode.String(infoHash[:]),
		"port":      bencode.Int(int64(port)),
		"token":     bencode.Str(token),
	})
}

func encodeReply(txID string, r map[string]bencode.Value) []byte {
	msg := bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txID),
		"y": bencode.Str(string(TypeReply)),
		"r": bencode.Dict(r),
	})
	return bencode.Encode(msg)
}

func EncodePingReply(txID string, localID kademlia.NodeID) []byte {
	return encodeReply(txID, map[string]bencode.Value{"id": bencode.String(localID[:])})
}

func EncodeFindNodeReply(txID string, localID kademlia.NodeID, nodes []kademlia.Node) []byte {
	return encodeReply(txID, map[string]bencode.Value{
		"id":    bencode.String(localID[:]),
		"nodes": bencode.String(EncodeCompactNodes(nodes)),
	})
}

func EncodeGetPeersReply(txID string, localID kademlia.NodeID, nodes []kademlia.Node, token string) []byte {
	return encodeReply(txID, map[string]bencode.Value{
		"id":    bencode.String(localID[:]),
		"nodes": bencode.String(EncodeCompactNodes(nodes)),
		"token": bencode.Str(token),
	})
}

func EncodeAnnouncePeerReply(txID string, localID kademlia.NodeID) []byte {
	return EncodePingReply(txID, localID)
}

func EncodeError(txID string, code int, message string) []byte {
	msg := bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txID),
		"y": bencode.Str(string(TypeError)),
		"e": bencode.List(bencode.Int(int64(code)), bencode.Str(message)),
	})
	return bencode.Encode(msg)
}

// Decode parses a raw KRPC datagram into a typed Message.
func Decode(datagram []byte) (*Message, error) {
	v, err := bencode.Decode(datagram)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	dict, ok := v.AsDict()
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not a dict", ErrMalformedMessage)
	}

	txIDBytes, ok := stringField(dict, "t")
	if !ok {
		return nil, fmt.Errorf("%w: missing t", ErrMalformedMessage)
	}
	txID := string(txIDBytes)

	yBytes, ok := stringField(dict, "y")
	if !ok {
		return nil, fmt.Errorf("%w: missing y", ErrMalformedMessage)
	}

	switch MessageType(yBytes) {
	case TypeQuery:
		q, err := decodeQuery(txID, dict)
		if err != nil {
			return nil, err
		}
		return &Message{Query: q}, nil
	case TypeReply:
		r, err := decodeReply(txID, dict)
		if err != nil {
			return nil, err
		}
		return &Message{Reply: r}, nil
	case TypeError:
		e, err := decodeErrorMsg(txID, dict)
		if err != nil {
			return nil, err
		}
		return &Message{Err: e}, nil
	default:
		return nil, fmt.Errorf("%w: unknown y %q", ErrUnknownMessageType, yBytes)
	}
}

func stringField(dict map[string]bencode.Value, key string) ([]byte, bool) {
	v, ok := dict[key]
	if !ok {
		return nil, false
	}
	return v.AsString()
}

func decodeQuery(txID string, dict map[string]bencode.Value) (*Query, error) {
	qBytes, ok := stringField(dict, "q")
	if !ok {
		return nil, fmt.Errorf("%w: query missing q", ErrMalformedMessage)
	}
	aVal, ok := dict["a"]
	args, ok2 := aVal.AsDict()
	if !ok || !ok2 {
		return nil, fmt.Errorf("%w: query missing a", ErrMalformedMessage)
	}
	idBytes, ok := stringField(args, "id")
	if !ok || len(idBytes) != kademlia.IDLen {
		return nil, fmt.Errorf("%w: query missing valid id", ErrMalformedMessage)
	}

	q := &Query{TxID: txID, Method: QueryMethod(qBytes)}
	copy(q.SenderID[:], idBytes)

	switch q.Method {
	case MethodPing:
		// no extra args
	case MethodFindNode:
		target, ok := stringField(args, "target")
		if !ok || len(target) != kademlia.IDLen {
			return nil, fmt.Errorf("%w: find_node missing target", ErrMalformedMessage)
		}
		copy(q.Target[:], target)
	case MethodGetPeers:
		ih, ok := stringField(args, "info_hash")
		if !ok || len(ih) != kademlia.IDLen {
			return nil, fmt.Errorf("%w: get_peers missing info_hash", ErrMalformedMessage)
		}
		copy(q.InfoHash[:], ih)
	case MethodAnnouncePeer:
		ih, ok := stringField(args, "info_hash")
		if !ok || len(ih) != kademlia.IDLen {
			return nil, fmt.Errorf("%w: announce_peer missing info_hash", ErrMalformedMessage)
		}
		copy(q.InfoHash[:], ih)
		if portVal, ok := args["port"]; ok {
			if p, ok := portVal.AsInt(); ok {
				q.Port = int(p)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown query method %q", ErrUnknownMessageType, qBytes)
	}
	return q, nil
}

func decodeReply(txID string, dict map[string]bencode.Value) (*Reply, error) {
	rVal, ok := dict["r"]
	rDict, ok2 := rVal.AsDict()
	if !ok || !ok2 {
		return nil, fmt.Errorf("%w: reply missing r", ErrMalformedMessage)
	}
	idBytes, ok := stringField(rDict, "id")
	if !ok || len(idBytes) != kademlia.IDLen {
		return nil, fmt.Errorf("%w: reply missing valid id", ErrMalformedMessage)
	}

	reply := &Reply{TxID: txID}
	copy(reply.SenderID[:], idBytes)

	if nodesRaw, ok := stringField(rDict, "nodes"); ok {
		reply.Nodes = DecodeCompactNodes(nodesRaw)
	}
	if tokenRaw, ok := stringField(rDict, "token"); ok {
		reply.Token = string(tokenRaw)
	}
	if valuesVal, ok := rDict["values"]; ok {
		if list, ok := valuesVal.AsList(); ok {
			reply.Values = DecodeValues(list)
		}
	}
	return reply, nil
}

func decodeErrorMsg(txID string, dict map[string]bencode.Value) (*ErrorMsg, error) {
	eVal, ok := dict["e"]
	list, ok2 := eVal.AsList()
	if !ok || !ok2 || len(list) < 2 {
		return nil, fmt.Errorf("%w: error missing e", ErrMalformedMessage)
	}
	code, ok := list[0].AsInt()
	if !ok {
		return nil, fmt.Errorf("%w: error code not an int", ErrMalformedMessage)
	}
	msgBytes, ok := list[1].AsString()
	if !ok {
		return nil, fmt.Errorf("%w: error message not a string", ErrMalformedMessage)
	}
	return &ErrorMsg{TxID: txID, Code: int(code), Message: string(msgBytes)}, nil
}
