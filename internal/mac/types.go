package mac

import "fmt"

// MsgType is the one-byte management message type that follows the generic
// MAC header.
type MsgType uint8

const (
	MsgUCD     MsgType = 0
	MsgDCD     MsgType = 1
	MsgDLMap   MsgType = 2
	MsgULMap   MsgType = 3
	MsgRngReq  MsgType = 4
	MsgRngRsp  MsgType = 5
	MsgRegReq  MsgType = 6
	MsgRegRsp  MsgType = 7
	MsgDsaReq  MsgType = 11
	MsgDsaRsp  MsgType = 12
	MsgDsaAck  MsgType = 13
	MsgDscReq  MsgType = 14
	MsgDscRsp  MsgType = 15
	MsgDscAck  MsgType = 16
	MsgDsdReq  MsgType = 17
	MsgDsdRsp  MsgType = 18
	MsgResCmd  MsgType = 25
	MsgSbcReq  MsgType = 26
	MsgSbcRsp  MsgType = 27
	MsgDregCmd MsgType = 29
	MsgDsxRvd  MsgType = 30
	MsgDregReq MsgType = 49
)

var msgTypeNames = map[MsgType]string{
	MsgUCD:     "UCD",
	MsgDCD:     "DCD",
	MsgDLMap:   "DL-MAP",
	MsgULMap:   "UL-MAP",
	MsgRngReq:  "RNG-REQ",
	MsgRngRsp:  "RNG-RSP",
	MsgRegReq:  "REG-REQ",
	MsgRegRsp:  "REG-RSP",
	MsgDsaReq:  "DSA-REQ",
	MsgDsaRsp:  "DSA-RSP",
	MsgDsaAck:  "DSA-ACK",
	MsgDscReq:  "DSC-REQ",
	MsgDscRsp:  "DSC-RSP",
	MsgDscAck:  "DSC-ACK",
	MsgDsdReq:  "DSD-REQ",
	MsgDsdRsp:  "DSD-RSP",
	MsgResCmd:  "RES-CMD",
	MsgSbcReq:  "SBC-REQ",
	MsgSbcRsp:  "SBC-RSP",
	MsgDregCmd: "DREG-CMD",
	MsgDsxRvd:  "DSX-RVD",
	MsgDregReq: "DREG-REQ",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MSG(%d)", uint8(t))
}

// Direction of a service flow or sub-frame.
type Direction uint8

const (
	Uplink   Direction = 0
	Downlink Direction = 1
)

func (d Direction) String() string {
	if d == Downlink {
		return "downlink"
	}
	return "uplink"
}

// ServiceType is the scheduling service class of a flow.
type ServiceType uint8

const (
	ServiceBE    ServiceType = 0
	ServiceNrtPS ServiceType = 1
	ServiceRtPS  ServiceType = 2
	ServiceUGS   ServiceType = 3
	ServiceErtPS ServiceType = 4
)

// ServiceTypes lists the classes in descending scheduling precedence.
var ServiceTypes = []ServiceType{ServiceUGS, ServiceErtPS, ServiceRtPS, ServiceNrtPS, ServiceBE}

func (s ServiceType) String() string {
	switch s {
	case ServiceBE:
		return "BE"
	case ServiceNrtPS:
		return "nrtPS"
	case ServiceRtPS:
		return "rtPS"
	case ServiceUGS:
		return "UGS"
	case ServiceErtPS:
		return "ertPS"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the defined classes.
func (s ServiceType) Valid() bool { return s <= ServiceErtPS }

// Unsolicited reports whether the class is granted without bandwidth
// requests.
func (s ServiceType) Unsolicited() bool { return s == ServiceUGS || s == ServiceErtPS }

// TxnKind identifies the dynamic service transaction family.
type TxnKind uint8

const (
	TxnAdd TxnKind = iota
	TxnChange
	TxnDelete
)

func (k TxnKind) String() string {
	switch k {
	case TxnAdd:
		return "DSA"
	case TxnChange:
		return "DSC"
	case TxnDelete:
		return "DSD"
	default:
		return fmt.Sprintf("txn(%d)", uint8(k))
	}
}

// ConfirmationCode is the result carried by DSx responses and acks.
type ConfirmationCode uint8

const (
	CCOK                          ConfirmationCode = 0
	CCRejectOther                 ConfirmationCode = 1
	CCUnrecognizedConfiguration   ConfirmationCode = 2
	CCTemporaryResource           ConfirmationCode = 3
	CCPermanentAdministrative     ConfirmationCode = 4
	CCNotOwner                    ConfirmationCode = 5
	CCServiceFlowNotFound         ConfirmationCode = 6
	CCServiceFlowExists           ConfirmationCode = 7
	CCRequiredParamNotPresent     ConfirmationCode = 8
	CCHeaderSuppression           ConfirmationCode = 9
	CCUnknownTransactionID        ConfirmationCode = 10
	CCAuthenticationFailure       ConfirmationCode = 11
	CCAddAborted                  ConfirmationCode = 12
	CCExceededDynamicServiceLimit ConfirmationCode = 13
	CCNotAuthorizedForSAID        ConfirmationCode = 14
	CCFailedToEstablishSA         ConfirmationCode = 15
	CCNotSupportedParameter       ConfirmationCode = 16
	CCNotSupportedParameterValue  ConfirmationCode = 17
)

func (c ConfirmationCode) String() string {
	switch c {
	case CCOK:
		return "ok"
	case CCRejectOther:
		return "reject-other"
	case CCUnrecognizedConfiguration:
		return "unrecognized-configuration"
	case CCTemporaryResource:
		return "temporary-resource"
	case CCPermanentAdministrative:
		return "permanent-administrative"
	case CCNotOwner:
		return "not-owner"
	case CCServiceFlowNotFound:
		return "service-flow-not-found"
	case CCServiceFlowExists:
		return "service-flow-exists"
	case CCRequiredParamNotPresent:
		return "required-parameter-not-present"
	case CCHeaderSuppression:
		return "header-suppression"
	case CCUnknownTransactionID:
		return "unknown-transaction-id"
	case CCAuthenticationFailure:
		return "authentication-failure"
	case CCAddAborted:
		return "add-aborted"
	case CCExceededDynamicServiceLimit:
		return "exceeded-dynamic-service-limit"
	case CCNotAuthorizedForSAID:
		return "not-authorized-for-said"
	case CCFailedToEstablishSA:
		return "failed-to-establish-sa"
	case CCNotSupportedParameter:
		return "not-supported-parameter"
	case CCNotSupportedParameterValue:
		return "not-supported-parameter-value"
	default:
		return fmt.Sprintf("cc(%d)", uint8(c))
	}
}

// RangingStatus is the status TLV of an RNG-RSP.
type RangingStatus uint8

const (
	RangingContinue RangingStatus = 1
	RangingAbort    RangingStatus = 2
	RangingSuccess  RangingStatus = 3
)

func (s RangingStatus) String() string {
	switch s {
	case RangingContinue:
		return "continue"
	case RangingAbort:
		return "abort"
	case RangingSuccess:
		return "success"
	default:
		return fmt.Sprintf("rng-status(%d)", uint8(s))
	}
}

// Burst profile codes used in the maps.
const (
	DIUCMostRobust uint8 = 0
	DIUCEndOfMap   uint8 = 14

	UIUCMostRobust  uint8 = 1
	UIUCRequest     uint8 = 9
	UIUCRanging     uint8 = 10
	UIUCEndOfMap    uint8 = 11
	UIUCCDMARanging uint8 = 12
	UIUCCDMAAlloc   uint8 = 14

	NumDLBurstProfiles = 8
	NumULBurstProfiles = 8
)

// MaxGrantSlots bounds a single uplink data grant.
const MaxGrantSlots = 1023

// MaxPDUSize is the largest PDU the 11-bit LEN field can describe.
const MaxPDUSize = 2047

// Transaction id ranges.
const (
	BSTransIDFirst uint16 = 0x8000
	BSTransIDLast  uint16 = 0xFFFF
	SSTransIDLast  uint16 = 0x7FFF
)

// CDMA ranging code partitions.
const (
	CDMAInitialFirst   uint8 = 0
	CDMAInitialLast    uint8 = 63
	CDMAPeriodicFirst  uint8 = 64
	CDMAPeriodicLast   uint8 = 127
	CDMABWRequestFirst uint8 = 128
	CDMABWRequestLast  uint8 = 238
	CDMAHandoverFirst  uint8 = 239
)
