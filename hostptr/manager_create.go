package hostptr

import (
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/hostptr/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) Register(str string) {
	createFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateExternallySynchronized ensures that this manager and all allocations created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism, but performance may improve
	// because internal mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	// DefaultPageSize is the PageSize used when none is provided via CreateOptions
	DefaultPageSize uintptr = 4096
)

// CreateOptions contains optional settings when creating a manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the granularity fragments are aligned to. It must be a power of two and
	// defaults to DefaultPageSize.
	PageSize uintptr

	// ConflictWaitTimeout bounds the blocking wait performed while reclaiming conflicting
	// fragments. Zero waits until the engines complete or the caller's context ends.
	ConflictWaitTimeout time.Duration

	// MapCallbacks is an optional set of callbacks that will be executed whenever memory is mapped
	// for or unmapped from the device by this manager
	MapCallbacks *MapCallbackOptions

	// Backing supplies memory for AllocateHostMemory. It may be left nil if AllocateHostMemory
	// is never used.
	Backing BackingMemory

	// MaxReusableBytes caps the total size of allocations held for reuse. Allocations stored
	// beyond the cap are released instead. Zero means no cap.
	MaxReusableBytes int
}

// New creates a new Manager
//
// logger - The logger that debug markers and unreleased memory reports are written to
//
// mapper - The OS layer used to make fragments visible to the device
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, mapper DeviceMapper, options CreateOptions) (*Manager, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a manager with a nil logger")
	}
	if mapper == nil {
		return nil, errors.New("attempted to create a manager with a nil DeviceMapper")
	}
	if options.MaxReusableBytes < 0 {
		return nil, errors.Newf("MaxReusableBytes must not be negative, but was %d", options.MaxReusableBytes)
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	err := memutils.CheckPow2(pageSize, "CreateOptions.PageSize")
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	manager := &Manager{
		logger: logger,
		mutex:  utils.OptionalMutex{UseMutex: useMutex},

		createFlags:         options.Flags,
		pageSize:            pageSize,
		conflictWaitTimeout: options.ConflictWaitTimeout,
		maxReusableBytes:    options.MaxReusableBytes,

		mapper:  mapper,
		backing: options.Backing,

		fragments:   fragment.NewStore(),
		allocations: swiss.NewMap[uint64, *Allocation](64),
	}
	manager.callbacks = &mapCallbacks{
		Callbacks: options.MapCallbacks,
		Manager:   manager,
	}
	manager.reusable.Init(listReusable)

	logger.Debug("Manager::New",
		slog.Uint64("PageSize", uint64(pageSize)),
		slog.String("Flags", options.Flags.String()),
	)

	return manager, nil
}
