package checkpoint

import "errors"

var (
	// ErrTensorNotFound is returned when a checkpoint has no tensor of the requested name.
	ErrTensorNotFound = errors.New("checkpoint: tensor not found")

	// ErrUnsupportedDType is returned for safetensors dtypes other than F32, F16 and BF16.
	ErrUnsupportedDType = errors.New("checkpoint: unsupported dtype")

	// ErrUnsupportedRank is returned when a tensor cannot be viewed as a matrix.
	ErrUnsupportedRank = errors.New("checkpoint: tensor rank not supported")

	// ErrEmptyTensor is returned for tensors with a zero-length axis.
	ErrEmptyTensor = errors.New("checkpoint: empty tensor")

	// ErrMalformedHeader is returned when a safetensors header cannot be parsed.
	ErrMalformedHeader = errors.New("checkpoint: malformed safetensors header")

	// ErrNoWeights is returned when a directory holds no safetensors files.
	ErrNoWeights = errors.New("checkpoint: no safetensors weights found")
)
