package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointVersion identifies the ERC-4337 EntryPoint release a user operation
// is shaped for. Every mempool declares exactly one version and only accepts
// operations carrying the same tag.
type EntryPointVersion uint8

const (
	EntryPointV06 EntryPointVersion = iota
	EntryPointV07
)

func (v EntryPointVersion) String() string {
	switch v {
	case EntryPointV06:
		return "v0.6"
	case EntryPointV07:
		return "v0.7"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// ParseEntryPointVersion converts the string form used in config files into a
// version tag.
func ParseEntryPointVersion(s string) (EntryPointVersion, error) {
	switch s {
	case "v0.6", "0.6":
		return EntryPointV06, nil
	case "v0.7", "0.7":
		return EntryPointV07, nil
	default:
		return 0, fmt.Errorf("unknown entry point version %q", s)
	}
}

// UserOperation is the version-polymorphic view of an ERC-4337 user operation.
// The pool routes and prices operations through this interface without caring
// which EntryPoint release they target.
type UserOperation interface {
	Version() EntryPointVersion
	Sender() common.Address
	Nonce() *big.Int
	// Hash computes the canonical user operation hash as produced by the
	// EntryPoint's getUserOpHash.
	Hash(entryPoint common.Address, chainID *big.Int) common.Hash
	MaxFeePerGas() *big.Int
	MaxPriorityFeePerGas() *big.Int
	// Paymaster returns the paymaster address, or the zero address when the
	// operation is self-funded.
	Paymaster() common.Address
	// Factory returns the account factory address, or the zero address when
	// the sender is already deployed.
	Factory() common.Address
}

// ID returns the (sender, nonce) identity of an operation. Two operations with
// the same ID are replacements of one another.
func ID(op UserOperation) UserOperationID {
	return UserOperationID{Sender: op.Sender(), Nonce: op.Nonce()}
}

// UserOperationID identifies an operation slot independent of its payload.
type UserOperationID struct {
	Sender common.Address
	Nonce  *big.Int
}

func (id UserOperationID) String() string {
	return fmt.Sprintf("%s:%s", id.Sender.Hex(), id.Nonce)
}

// Equal reports whether two IDs name the same sender/nonce slot.
func (id UserOperationID) Equal(other UserOperationID) bool {
	return id.Sender == other.Sender && id.Nonce.Cmp(other.Nonce) == 0
}

var (
	typeAddress = mustABIType("address")
	typeUint256 = mustABIType("uint256")
	typeBytes32 = mustABIType("bytes32")

	userOpV06Args = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeUint256}, // callGasLimit
		{Type: typeUint256}, // verificationGasLimit
		{Type: typeUint256}, // preVerificationGas
		{Type: typeUint256}, // maxFeePerGas
		{Type: typeUint256}, // maxPriorityFeePerGas
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}

	userOpV07Args = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeBytes32}, // accountGasLimits
		{Type: typeUint256}, // preVerificationGas
		{Type: typeBytes32}, // gasFees
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}

	hashArgs = abi.Arguments{
		{Type: typeBytes32}, // keccak(packed op)
		{Type: typeAddress}, // entry point
		{Type: typeUint256}, // chain id
	}
)

func mustABIType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func userOpHash(packed []byte, entryPoint common.Address, chainID *big.Int) common.Hash {
	enc, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// UserOperationV06 is the flat operation layout used by EntryPoint v0.6.
type UserOperationV06 struct {
	OpSender             common.Address `json:"sender"`
	OpNonce              *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	OpMaxFeePerGas       *big.Int       `json:"maxFeePerGas"`
	OpMaxPriorityFee     *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

var _ UserOperation = (*UserOperationV06)(nil)

func (op *UserOperationV06) Version() EntryPointVersion { return EntryPointV06 }
func (op *UserOperationV06) Sender() common.Address     { return op.OpSender }
func (op *UserOperationV06) Nonce() *big.Int            { return op.OpNonce }
func (op *UserOperationV06) MaxFeePerGas() *big.Int     { return op.OpMaxFeePerGas }

func (op *UserOperationV06) MaxPriorityFeePerGas() *big.Int { return op.OpMaxPriorityFee }

func (op *UserOperationV06) Paymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

func (op *UserOperationV06) Factory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

func (op *UserOperationV06) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	// Unset numeric fields hash as zero.
	num := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return v
	}
	packed, err := userOpV06Args.Pack(
		op.OpSender,
		num(op.OpNonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		num(op.CallGasLimit),
		num(op.VerificationGasLimit),
		num(op.PreVerificationGas),
		num(op.OpMaxFeePerGas),
		num(op.OpMaxPriorityFee),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		panic(err)
	}
	return userOpHash(packed, entryPoint, chainID)
}

type userOpV06JSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op *UserOperationV06) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOpV06JSON{
		Sender:               op.OpSender,
		Nonce:                (*hexutil.Big)(op.OpNonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.OpMaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.OpMaxPriorityFee),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

func (op *UserOperationV06) UnmarshalJSON(data []byte) error {
	var aux userOpV06JSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	op.OpSender = aux.Sender
	op.OpNonce = (*big.Int)(aux.Nonce)
	op.InitCode = aux.InitCode
	op.CallData = aux.CallData
	op.CallGasLimit = (*big.Int)(aux.CallGasLimit)
	op.VerificationGasLimit = (*big.Int)(aux.VerificationGasLimit)
	op.PreVerificationGas = (*big.Int)(aux.PreVerificationGas)
	op.OpMaxFeePerGas = (*big.Int)(aux.MaxFeePerGas)
	op.OpMaxPriorityFee = (*big.Int)(aux.MaxPriorityFeePerGas)
	op.PaymasterAndData = aux.PaymasterAndData
	op.Signature = aux.Signature
	return nil
}

// UserOperationV07 is the unpacked operation layout used by EntryPoint v0.7.
// Factory and paymaster fields are kept unpacked; hashing packs them into the
// on-chain PackedUserOperation encoding.
type UserOperationV07 struct {
	OpSender                      common.Address `json:"sender"`
	OpNonce                       *big.Int       `json:"nonce"`
	FactoryAddr                   common.Address `json:"factory"`
	FactoryData                   []byte         `json:"factoryData"`
	CallData                      []byte         `json:"callData"`
	CallGasLimit                  *big.Int       `json:"callGasLimit"`
	VerificationGasLimit          *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas            *big.Int       `json:"preVerificationGas"`
	OpMaxFeePerGas                *big.Int       `json:"maxFeePerGas"`
	OpMaxPriorityFee              *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAddr                 common.Address `json:"paymaster"`
	PaymasterVerificationGasLimit *big.Int       `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *big.Int       `json:"paymasterPostOpGasLimit"`
	PaymasterData                 []byte         `json:"paymasterData"`
	Signature                     []byte         `json:"signature"`
}

var _ UserOperation = (*UserOperationV07)(nil)

func (op *UserOperationV07) Version() EntryPointVersion { return EntryPointV07 }
func (op *UserOperationV07) Sender() common.Address     { return op.OpSender }
func (op *UserOperationV07) Nonce() *big.Int            { return op.OpNonce }
func (op *UserOperationV07) MaxFeePerGas() *big.Int     { return op.OpMaxFeePerGas }

func (op *UserOperationV07) MaxPriorityFeePerGas() *big.Int { return op.OpMaxPriorityFee }

func (op *UserOperationV07) Paymaster() common.Address { return op.PaymasterAddr }
func (op *UserOperationV07) Factory() common.Address   { return op.FactoryAddr }

// initCode reconstructs the packed factory||factoryData field.
func (op *UserOperationV07) initCode() []byte {
	if op.FactoryAddr == (common.Address{}) {
		return nil
	}
	return append(op.FactoryAddr.Bytes(), op.FactoryData...)
}

// paymasterAndData reconstructs the packed paymaster field with both gas
// limits encoded as 16-byte big-endian values.
func (op *UserOperationV07) paymasterAndData() []byte {
	if op.PaymasterAddr == (common.Address{}) {
		return nil
	}
	out := op.PaymasterAddr.Bytes()
	out = append(out, PadUint128(op.PaymasterVerificationGasLimit)...)
	out = append(out, PadUint128(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

func (op *UserOperationV07) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed, err := userOpV07Args.Pack(
		op.OpSender,
		op.OpNonce,
		crypto.Keccak256Hash(op.initCode()),
		crypto.Keccak256Hash(op.CallData),
		PackUint128Pair(op.VerificationGasLimit, op.CallGasLimit),
		op.PreVerificationGas,
		PackUint128Pair(op.OpMaxPriorityFee, op.OpMaxFeePerGas),
		crypto.Keccak256Hash(op.paymasterAndData()),
	)
	if err != nil {
		panic(err)
	}
	return userOpHash(packed, entryPoint, chainID)
}

type userOpV07JSON struct {
	Sender                        common.Address `json:"sender"`
	Nonce                         *hexutil.Big   `json:"nonce"`
	Factory                       common.Address `json:"factory"`
	FactoryData                   hexutil.Bytes  `json:"factoryData"`
	CallData                      hexutil.Bytes  `json:"callData"`
	CallGasLimit                  *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Paymaster                     common.Address `json:"paymaster"`
	PaymasterVerificationGasLimit *hexutil.Big   `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big   `json:"paymasterPostOpGasLimit"`
	PaymasterData                 hexutil.Bytes  `json:"paymasterData"`
	Signature                     hexutil.Bytes  `json:"signature"`
}

func (op *UserOperationV07) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOpV07JSON{
		Sender:                        op.OpSender,
		Nonce:                         (*hexutil.Big)(op.OpNonce),
		Factory:                       op.FactoryAddr,
		FactoryData:                   op.FactoryData,
		CallData:                      op.CallData,
		CallGasLimit:                  (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit:          (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:            (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:                  (*hexutil.Big)(op.OpMaxFeePerGas),
		MaxPriorityFeePerGas:          (*hexutil.Big)(op.OpMaxPriorityFee),
		Paymaster:                     op.PaymasterAddr,
		PaymasterVerificationGasLimit: (*hexutil.Big)(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(op.PaymasterPostOpGasLimit),
		PaymasterData:                 op.PaymasterData,
		Signature:                     op.Signature,
	})
}

func (op *UserOperationV07) UnmarshalJSON(data []byte) error {
	var aux userOpV07JSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	op.OpSender = aux.Sender
	op.OpNonce = (*big.Int)(aux.Nonce)
	op.FactoryAddr = aux.Factory
	op.FactoryData = aux.FactoryData
	op.CallData = aux.CallData
	op.CallGasLimit = (*big.Int)(aux.CallGasLimit)
	op.VerificationGasLimit = (*big.Int)(aux.VerificationGasLimit)
	op.PreVerificationGas = (*big.Int)(aux.PreVerificationGas)
	op.OpMaxFeePerGas = (*big.Int)(aux.MaxFeePerGas)
	op.OpMaxPriorityFee = (*big.Int)(aux.MaxPriorityFeePerGas)
	op.PaymasterAddr = aux.Paymaster
	op.PaymasterVerificationGasLimit = (*big.Int)(aux.PaymasterVerificationGasLimit)
	op.PaymasterPostOpGasLimit = (*big.Int)(aux.PaymasterPostOpGasLimit)
	op.PaymasterData = aux.PaymasterData
	op.Signature = aux.Signature
	return nil
}

// UnmarshalUserOperation decodes a JSON user operation into the layout
// declared for the target EntryPoint version.
func UnmarshalUserOperation(data []byte, version EntryPointVersion) (UserOperation, error) {
	switch version {
	case EntryPointV06:
		op := new(UserOperationV06)
		if err := json.Unmarshal(data, op); err != nil {
			return nil, err
		}
		return op, nil
	case EntryPointV07:
		op := new(UserOperationV07)
		if err := json.Unmarshal(data, op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, fmt.Errorf("unknown entry point version %s", version)
	}
}

// PackUint128Pair packs two 128-bit values into one bytes32, high half
// first. This is the accountGasLimits / gasFees encoding of
// PackedUserOperation.
func PackUint128Pair(hi, lo *big.Int) common.Hash {
	var out common.Hash
	copy(out[0:16], PadUint128(hi))
	copy(out[16:32], PadUint128(lo))
	return out
}

// PadUint128 renders a value as a 16-byte big-endian field.
func PadUint128(v *big.Int) []byte {
	out := make([]byte, 16)
	if v != nil {
		b := v.Bytes()
		if len(b) > 16 {
			b = b[len(b)-16:]
		}
		copy(out[16-len(b):], b)
	}
	return out
}
