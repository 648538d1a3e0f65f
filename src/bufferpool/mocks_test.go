package bufferpool

import (
	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

type MockDiskManager struct {
	mock.Mock
	payloadSize int
}

var _ common.DiskManager = &MockDiskManager{}

func newMockDiskManager(payloadSize int) *MockDiskManager {
	return &MockDiskManager{payloadSize: payloadSize}
}

func (m *MockDiskManager) ReadPage(pageID common.PageID) ([]byte, error) {
	args := m.Called(pageID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockDiskManager) WritePage(pageID common.PageID, payload []byte) error {
	return m.Called(pageID, payload).Error(0)
}

func (m *MockDiskManager) AllocatePage() (common.PageID, error) {
	args := m.Called()
	return args.Get(0).(common.PageID), args.Error(1)
}

func (m *MockDiskManager) FreePage(pageID common.PageID) error {
	return m.Called(pageID).Error(0)
}

func (m *MockDiskManager) Checksum(pageID common.PageID) (uint32, error) {
	args := m.Called(pageID)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockDiskManager) ExpectedChecksum(pageID common.PageID, payload []byte) uint32 {
	return m.Called(pageID, payload).Get(0).(uint32)
}

func (m *MockDiskManager) PageCount() uint32 {
	return m.Called().Get(0).(uint32)
}

func (m *MockDiskManager) PayloadSize() int {
	return m.payloadSize
}

func (m *MockDiskManager) CipherParams() []byte {
	data, _ := m.Called().Get(0).([]byte)
	return data
}

func (m *MockDiskManager) StageCipherParams(params []byte) ([]byte, error) {
	args := m.Called(params)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockDiskManager) HeaderImage() []byte {
	data, _ := m.Called().Get(0).([]byte)
	return data
}

func (m *MockDiskManager) WriteHeader(image []byte) error {
	return m.Called(image).Error(0)
}

func (m *MockDiskManager) Sync() error {
	return m.Called().Error(0)
}

func (m *MockDiskManager) Close() error {
	return m.Called().Error(0)
}

type MockReplacer struct {
	mock.Mock
}

var _ Replacer = &MockReplacer{}

func (m *MockReplacer) Pin(pageID common.PageID) {
	m.Called(pageID)
}

func (m *MockReplacer) Unpin(pageID common.PageID) {
	m.Called(pageID)
}

func (m *MockReplacer) ChooseVictim() (common.PageID, error) {
	args := m.Called()
	return args.Get(0).(common.PageID), args.Error(1)
}

func (m *MockReplacer) GetSize() uint64 {
	return m.Called().Get(0).(uint64)
}
