package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bundlekit/oppool/mempool"
	"github.com/bundlekit/oppool/types"
)

// ContractBackend is the slice of ethclient.Client the EntryPoint reader
// needs; tests substitute their own.
type ContractBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const entryPointABIJSON = `[
{"type":"function","name":"getDepositInfo","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"info","type":"tuple","components":[{"name":"deposit","type":"uint112"},{"name":"staked","type":"bool"},{"name":"stake","type":"uint112"},{"name":"unstakeDelaySec","type":"uint32"},{"name":"withdrawTime","type":"uint48"}]}]},
{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[{"name":"userOp","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]}],"outputs":[]},
{"type":"error","name":"ValidationResult","inputs":[{"name":"returnInfo","type":"tuple","components":[{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"sigFailed","type":"bool"},{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"paymasterContext","type":"bytes"}]},{"name":"senderInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"factoryInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"paymasterInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}]},
{"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]}
]`

const entryPointSimulationsABIJSON = `[
{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[{"name":"userOp","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"accountGasLimits","type":"bytes32"},{"name":"preVerificationGas","type":"uint256"},{"name":"gasFees","type":"bytes32"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]}],"outputs":[{"name":"result","type":"tuple","components":[{"name":"returnInfo","type":"tuple","components":[{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"accountValidationData","type":"uint256"},{"name":"paymasterValidationData","type":"uint256"},{"name":"paymasterContext","type":"bytes"}]},{"name":"senderInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"factoryInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"paymasterInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"aggregatorInfo","type":"tuple","components":[{"name":"aggregator","type":"address"},{"name":"stakeInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}]}]}]}
]`

var (
	entryPointABI            abi.ABI
	entryPointSimulationsABI abi.ABI
)

func init() {
	var err error
	entryPointABI, err = abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(err)
	}
	entryPointSimulationsABI, err = abi.JSON(strings.NewReader(entryPointSimulationsABIJSON))
	if err != nil {
		panic(err)
	}
}

var (
	_ mempool.Simulator   = (*EntryPointReader)(nil)
	_ mempool.StakeReader = (*EntryPointReader)(nil)
)

// EntryPointReader performs the EntryPoint contract reads the pool needs:
// deposit info for stake queries and simulateValidation for admission.
type EntryPointReader struct {
	client ContractBackend
	logger log.Logger
}

func NewEntryPointReader(client ContractBackend, logger log.Logger) *EntryPointReader {
	return &EntryPointReader{
		client: client,
		logger: logger.With(log.ModuleKey, "EntryPointReader"),
	}
}

type depositInfoResult struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

// DepositInfo reads getDepositInfo(addr) from the EntryPoint.
func (r *EntryPointReader) DepositInfo(ctx context.Context, entryPoint common.Address, addr common.Address) (*types.DepositInfo, error) {
	data, err := entryPointABI.Pack("getDepositInfo", addr)
	if err != nil {
		return nil, err
	}
	ret, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, errorsmod.Wrap(err, "getDepositInfo call failed")
	}
	out, err := entryPointABI.Unpack("getDepositInfo", ret)
	if err != nil {
		return nil, errorsmod.Wrap(err, "decoding getDepositInfo result")
	}
	info := *abi.ConvertType(out[0], new(depositInfoResult)).(*depositInfoResult)
	r.logger.Debug("deposit info read",
		"entry_point", entryPoint.Hex(),
		"address", addr.Hex(),
		"staked", info.Staked,
	)

	var withdrawTime uint64
	if info.WithdrawTime != nil {
		withdrawTime = info.WithdrawTime.Uint64()
	}
	return &types.DepositInfo{
		Deposit:         info.Deposit,
		Staked:          info.Staked,
		Stake:           info.Stake,
		UnstakeDelaySec: info.UnstakeDelaySec,
		WithdrawTime:    withdrawTime,
	}, nil
}

// SimulateValidation runs the EntryPoint's validation path for the
// operation: the v0.6 contract reverts with ValidationResult, the v0.7
// simulations layout returns it.
func (r *EntryPointReader) SimulateValidation(ctx context.Context, entryPoint common.Address, op types.UserOperation) (*mempool.SimulationResult, error) {
	var result *mempool.SimulationResult
	var err error
	switch o := op.(type) {
	case *types.UserOperationV06:
		result, err = r.simulateV06(ctx, entryPoint, o)
	case *types.UserOperationV07:
		result, err = r.simulateV07(ctx, entryPoint, o)
	default:
		return nil, fmt.Errorf("unsupported user operation version %s", op.Version())
	}
	if err != nil {
		return nil, err
	}

	if err := r.fillContext(ctx, op.Sender(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// fillContext records the sender code hash and the simulation block.
func (r *EntryPointReader) fillContext(ctx context.Context, sender common.Address, result *mempool.SimulationResult) error {
	code, err := r.client.CodeAt(ctx, sender, nil)
	if err != nil {
		return errorsmod.Wrap(err, "reading sender code")
	}
	result.SenderCodeHash = crypto.Keccak256Hash(code)

	block, err := r.client.BlockNumber(ctx)
	if err != nil {
		return errorsmod.Wrap(err, "reading block number")
	}
	result.Block = new(big.Int).SetUint64(block)
	return nil
}

type validationReturnInfoV06 struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

func (r *EntryPointReader) simulateV06(ctx context.Context, entryPoint common.Address, op *types.UserOperationV06) (*mempool.SimulationResult, error) {
	data, err := entryPointABI.Pack("simulateValidation", v06CallOp(op))
	if err != nil {
		return nil, err
	}
	_, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err == nil {
		// simulateValidation always reverts on the v0.6 EntryPoint.
		return nil, fmt.Errorf("simulateValidation did not revert")
	}
	revert, ok := revertData(err)
	if !ok {
		return nil, errorsmod.Wrap(err, "simulateValidation call failed")
	}

	if len(revert) < 4 {
		return nil, fmt.Errorf("simulateValidation revert too short")
	}
	selector := revert[:4]
	payload := revert[4:]

	if failedOp, ok := entryPointABI.Errors["FailedOp"]; ok && string(selector) == string(failedOp.ID[:4]) {
		out, err := failedOp.Inputs.Unpack(payload)
		if err != nil || len(out) < 2 {
			return nil, fmt.Errorf("operation validation failed")
		}
		return nil, fmt.Errorf("operation validation failed: %v", out[1])
	}

	validationResult := entryPointABI.Errors["ValidationResult"]
	if string(selector) != string(validationResult.ID[:4]) {
		return nil, fmt.Errorf("unexpected simulateValidation revert selector %s", hexutil.Encode(selector))
	}
	out, err := validationResult.Inputs.Unpack(payload)
	if err != nil {
		return nil, errorsmod.Wrap(err, "decoding ValidationResult")
	}
	info := *abi.ConvertType(out[0], new(validationReturnInfoV06)).(*validationReturnInfoV06)
	if info.SigFailed {
		return nil, fmt.Errorf("operation signature validation failed")
	}

	return &mempool.SimulationResult{
		ValidAfter: unixOrZero(info.ValidAfter),
		ValidUntil: unixOrZero(info.ValidUntil),
		Prefund:    info.Prefund,
	}, nil
}

type validationReturnInfoV07 struct {
	PreOpGas                *big.Int
	Prefund                 *big.Int
	AccountValidationData   *big.Int
	PaymasterValidationData *big.Int
	PaymasterContext        []byte
}

type validationResultV07 struct {
	ReturnInfo     validationReturnInfoV07
	SenderInfo     stakeInfoV07
	FactoryInfo    stakeInfoV07
	PaymasterInfo  stakeInfoV07
	AggregatorInfo aggregatorStakeInfoV07
}

type stakeInfoV07 struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type aggregatorStakeInfoV07 struct {
	Aggregator common.Address
	StakeInfo  stakeInfoV07
}

func (r *EntryPointReader) simulateV07(ctx context.Context, entryPoint common.Address, op *types.UserOperationV07) (*mempool.SimulationResult, error) {
	data, err := entryPointSimulationsABI.Pack("simulateValidation", v07CallOp(op))
	if err != nil {
		return nil, err
	}
	ret, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		if revert, ok := revertData(err); ok && len(revert) >= 4 {
			return nil, fmt.Errorf("operation validation failed: revert %s", hexutil.Encode(revert[:4]))
		}
		return nil, errorsmod.Wrap(err, "simulateValidation call failed")
	}
	out, err := entryPointSimulationsABI.Unpack("simulateValidation", ret)
	if err != nil {
		return nil, errorsmod.Wrap(err, "decoding ValidationResult")
	}
	result := *abi.ConvertType(out[0], new(validationResultV07)).(*validationResultV07)

	validAfter, validUntil, sigFailed := parseValidationData(result.ReturnInfo.AccountValidationData)
	if sigFailed {
		return nil, fmt.Errorf("operation signature validation failed")
	}

	simResult := &mempool.SimulationResult{
		ValidAfter: validAfter,
		ValidUntil: validUntil,
		Prefund:    result.ReturnInfo.Prefund,
	}
	if result.AggregatorInfo.Aggregator != (common.Address{}) {
		simResult.Aggregator = result.AggregatorInfo.Aggregator
	}
	return simResult, nil
}

// parseValidationData splits the packed v0.7 validationData word:
// [0:20] aggregator/sigFailed sentinel, [20:26] validUntil, [26:32] validAfter.
func parseValidationData(data *big.Int) (validAfter, validUntil time.Time, sigFailed bool) {
	if data == nil {
		return time.Time{}, time.Time{}, false
	}
	word := make([]byte, 32)
	data.FillBytes(word)

	sigFailed = common.BytesToAddress(word[:20]) == common.BytesToAddress([]byte{1})
	until := new(big.Int).SetBytes(word[20:26]).Int64()
	after := new(big.Int).SetBytes(word[26:32]).Int64()
	if until > 0 {
		validUntil = time.Unix(until, 0)
	}
	if after > 0 {
		validAfter = time.Unix(after, 0)
	}
	return validAfter, validUntil, sigFailed
}

func unixOrZero(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0)
}

// revertData extracts the raw revert payload from an RPC error.
func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	hexData, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

// v06CallOp converts the pool's operation type into the ABI call struct.
type userOpV06Call struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func v06CallOp(op *types.UserOperationV06) userOpV06Call {
	return userOpV06Call{
		Sender:               op.OpSender,
		Nonce:                orZero(op.OpNonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         orZero(op.CallGasLimit),
		VerificationGasLimit: orZero(op.VerificationGasLimit),
		PreVerificationGas:   orZero(op.PreVerificationGas),
		MaxFeePerGas:         orZero(op.OpMaxFeePerGas),
		MaxPriorityFeePerGas: orZero(op.OpMaxPriorityFee),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// packedUserOpCall is the PackedUserOperation ABI layout of a v0.7 op.
type packedUserOpCall struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

func v07CallOp(op *types.UserOperationV07) packedUserOpCall {
	call := packedUserOpCall{
		Sender:             op.OpSender,
		Nonce:              orZero(op.OpNonce),
		CallData:           op.CallData,
		PreVerificationGas: orZero(op.PreVerificationGas),
		Signature:          op.Signature,
	}
	call.InitCode = packedInitCode(op)
	call.PaymasterAndData = packedPaymasterAndData(op)
	copy(call.AccountGasLimits[:], types.PackUint128Pair(op.VerificationGasLimit, op.CallGasLimit).Bytes())
	copy(call.GasFees[:], types.PackUint128Pair(op.OpMaxPriorityFee, op.OpMaxFeePerGas).Bytes())
	return call
}

func packedInitCode(op *types.UserOperationV07) []byte {
	if op.FactoryAddr == (common.Address{}) {
		return nil
	}
	return append(op.FactoryAddr.Bytes(), op.FactoryData...)
}

func packedPaymasterAndData(op *types.UserOperationV07) []byte {
	if op.PaymasterAddr == (common.Address{}) {
		return nil
	}
	out := op.PaymasterAddr.Bytes()
	out = append(out, types.PadUint128(op.PaymasterVerificationGasLimit)...)
	out = append(out, types.PadUint128(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
