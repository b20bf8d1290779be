package pb

import (
	"context"

	"google.golang.org/grpc"
)

// ============================================================================
// BRIDGE SERVICE
// ============================================================================

type BridgeServiceServer interface {
	InitiateTransfer(context.Context, *BridgeTransferRequest) (*BridgeTransferStatus, error)
	ExecuteBridgeCallback(context.Context, *ExecuteCallbackRequest) (*BridgeTransferStatus, error)
	GetBridgeTransferStatus(context.Context, *BridgeStatusRequest) (*BridgeTransferStatus, error)
	VerifyBridgeMessage(BridgeService_VerifyBridgeMessageServer) error
	StreamPendingBridgeTransfers(*PendingTransferFilter, BridgeService_StreamPendingTransfersServer) error
	BatchBridgeTransfers(BridgeService_BatchBridgeTransfersServer) error
	MonitorCrossChainStatus(BridgeService_MonitorCrossChainStatusServer) error
}

type UnimplementedBridgeServiceServer struct{}

func (UnimplementedBridgeServiceServer) InitiateTransfer(context.Context, *BridgeTransferRequest) (*BridgeTransferStatus, error) {
	return nil, nil
}
func (UnimplementedBridgeServiceServer) ExecuteBridgeCallback(context.Context, *ExecuteCallbackRequest) (*BridgeTransferStatus, error) {
	return nil, nil
}
func (UnimplementedBridgeServiceServer) GetBridgeTransferStatus(context.Context, *BridgeStatusRequest) (*BridgeTransferStatus, error) {
	return nil, nil
}
func (UnimplementedBridgeServiceServer) VerifyBridgeMessage(BridgeService_VerifyBridgeMessageServer) error {
	return nil
}
func (UnimplementedBridgeServiceServer) StreamPendingBridgeTransfers(*PendingTransferFilter, BridgeService_StreamPendingTransfersServer) error {
	return nil
}
func (UnimplementedBridgeServiceServer) BatchBridgeTransfers(BridgeService_BatchBridgeTransfersServer) error {
	return nil
}
func (UnimplementedBridgeServiceServer) MonitorCrossChainStatus(BridgeService_MonitorCrossChainStatusServer) error {
	return nil
}

type BridgeService_VerifyBridgeMessageServer interface {
	Send(*VerificationResult) error
	Recv() (*BridgeVerifyRequest, error)
	grpc.ServerStream
}

type BridgeService_StreamPendingTransfersServer interface {
	Send(*BridgeTransferStatus) error
	grpc.ServerStream
}

type BridgeService_BatchBridgeTransfersServer interface {
	SendAndClose(*BatchTransferSummary) error
	Recv() (*BridgeTransferRequest, error)
	grpc.ServerStream
}

type BridgeService_MonitorCrossChainStatusServer interface {
	Send(*BridgeTransferStatus) error
	Recv() (*MonitorRequest, error)
	grpc.ServerStream
}

// ============================================================================
// TRANSACTION SERVICE
// ============================================================================

type TransactionServiceServer interface {
	SubmitTransaction(context.Context, *TransactionSubmit) (*TransactionReceipt, error)
	GetTransactionStatus(context.Context, *TransactionStatusRequest) (*TransactionStatusInfo, error)
	BatchSubmitTransactions(TransactionService_BatchSubmitServer) error
	StreamTransactionUpdates(*TransactionFilter, TransactionService_StreamUpdatesServer) error
}

type UnimplementedTransactionServiceServer struct{}

func (UnimplementedTransactionServiceServer) SubmitTransaction(context.Context, *TransactionSubmit) (*TransactionReceipt, error) {
	return nil, nil
}
func (UnimplementedTransactionServiceServer) GetTransactionStatus(context.Context, *TransactionStatusRequest) (*TransactionStatusInfo, error) {
	return nil, nil
}
func (UnimplementedTransactionServiceServer) BatchSubmitTransactions(TransactionService_BatchSubmitServer) error {
	return nil
}
func (UnimplementedTransactionServiceServer) StreamTransactionUpdates(*TransactionFilter, TransactionService_StreamUpdatesServer) error {
	return nil
}

type TransactionService_BatchSubmitServer interface {
	SendAndClose(*TransactionBatchSummary) error
	Recv() (*TransactionSubmit, error)
	grpc.ServerStream
}

type TransactionService_StreamUpdatesServer interface {
	Send(*TransactionStatusInfo) error
	grpc.ServerStream
}

// ============================================================================
// ORDERING SERVICE
// ============================================================================

type OrderingServiceServer interface {
	OptimizeTransactionOrder(OrderingService_OptimizeTransactionOrderServer) error
}

type UnimplementedOrderingServiceServer struct{}

func (UnimplementedOrderingServiceServer) OptimizeTransactionOrder(OrderingService_OptimizeTransactionOrderServer) error {
	return nil
}

type OrderingService_OptimizeTransactionOrderServer interface {
	SendAndClose(*OptimizedBatch) error
	Recv() (*OptimizeTxRequest, error)
	grpc.ServerStream
}

// ============================================================================
// VALIDATOR SERVICE
// ============================================================================

type ValidatorServiceServer interface {
	RegisterValidator(context.Context, *RegisterValidatorRequest) (*ValidatorActionResponse, error)
	ActivateValidator(context.Context, *StakeRequest) (*ValidatorActionResponse, error)
	StakeTokens(context.Context, *StakeRequest) (*ValidatorActionResponse, error)
	SubscribeValidatorUpdates(*ValidatorSubscription, ValidatorService_SubscribeUpdatesServer) error
}

type UnimplementedValidatorServiceServer struct{}

func (UnimplementedValidatorServiceServer) RegisterValidator(context.Context, *RegisterValidatorRequest) (*ValidatorActionResponse, error) {
	return nil, nil
}
func (UnimplementedValidatorServiceServer) ActivateValidator(context.Context, *StakeRequest) (*ValidatorActionResponse, error) {
	return nil, nil
}
func (UnimplementedValidatorServiceServer) StakeTokens(context.Context, *StakeRequest) (*ValidatorActionResponse, error) {
	return nil, nil
}
func (UnimplementedValidatorServiceServer) SubscribeValidatorUpdates(*ValidatorSubscription, ValidatorService_SubscribeUpdatesServer) error {
	return nil
}

type ValidatorService_SubscribeUpdatesServer interface {
	Send(*ValidatorEventStream) error
	grpc.ServerStream
}

// ============================================================================
// CONSENSUS SERVICE
// ============================================================================

type ConsensusServiceServer interface {
	RequestVote(context.Context, *VoteRequest) (*VoteResponse, error)
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	ProposeValue(context.Context, *ProposeRequest) (*ProposeResponse, error)
	AddNode(context.Context, *ClusterChangeRequest) (*ClusterChangeResponse, error)
	RemoveNode(context.Context, *ClusterChangeRequest) (*ClusterChangeResponse, error)
	GetNodeStatus(context.Context, *NodeStatusRequest) (*NodeStatus, error)
	StreamNodeStatus(*NodeStatusRequest, ConsensusService_StreamNodeStatusServer) error
}

type UnimplementedConsensusServiceServer struct{}

func (UnimplementedConsensusServiceServer) RequestVote(context.Context, *VoteRequest) (*VoteResponse, error) {
	return nil, nil
}
func (UnimplementedConsensusServiceServer) AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, nil
}
func (UnimplementedConsensusServiceServer) ProposeValue(context.Context, *ProposeRequest) (*ProposeResponse, error) {
	return nil, nil
}
func (UnimplementedConsensusServiceServer) AddNode(context.Context, *ClusterChangeRequest) (*ClusterChangeResponse, error) {
	return nil, nil
}
func (UnimplementedConsensusServiceServer) RemoveNode(context.Context, *ClusterChangeRequest) (*ClusterChangeResponse, error) {
	return nil, nil
}
func (UnimplementedConsensusServiceServer) GetNodeStatus(context.Context, *NodeStatusRequest) (*NodeStatus, error) {
	return nil, nil
}
func (UnimplementedConsensusServiceServer) StreamNodeStatus(*NodeStatusRequest, ConsensusService_StreamNodeStatusServer) error {
	return nil
}

type ConsensusService_StreamNodeStatusServer interface {
	Send(*NodeStatus) error
	grpc.ServerStream
}
