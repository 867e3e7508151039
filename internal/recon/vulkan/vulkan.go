// Package vulkan implements internal/recon.Reconstructor as a GPU compute
// pipeline: sinograms are uploaded into a storage buffer, a compute shader
// performs the filtered back-projection sum, and the result is read back
// through a host-visible staging buffer.
//
// The pipeline is a bare compute pipeline (no render pass, no swapchain):
// one descriptor set binds the sinogram and output storage buffers, and
// geometry is passed in as push constants per dispatch.
package vulkan

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
)

var (
	vulkanInitMutex sync.Mutex
	vulkanInit      bool
)

// Reconstructor is a GPU compute back-projector. The zero value is not
// usable; construct with New.
type Reconstructor struct {
	mu sync.Mutex

	proj       geometry.ProjectionGeometry
	sliceVol   geometry.VolumeGeometry
	previewVol geometry.VolumeGeometry

	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	device         vk.Device
	queue          vk.Queue
	queueFamily    uint32

	commandPool   vk.CommandPool
	commandBuffer vk.CommandBuffer
	fence         vk.Fence

	descriptorSetLayout vk.DescriptorSetLayout
	descriptorPool      vk.DescriptorPool
	descriptorSet       vk.DescriptorSet
	pipelineLayout      vk.PipelineLayout
	pipeline            vk.Pipeline
	shaderModule        vk.ShaderModule

	sinogramBuffer  [2]vk.Buffer
	sinogramMemory  [2]vk.DeviceMemory
	sinogramCap     [2]int // bytes currently allocated
	outputBuffer    vk.Buffer
	outputMemory    vk.DeviceMemory
	outputCap       int
	stagingBuffer   vk.Buffer
	stagingMemory   vk.DeviceMemory
	stagingCap      int
}

// New initializes a Vulkan instance/device and loads the filtered
// back-projection compute shader from shaderSPIRVPath, an offline
// glslc-compiled .spv file.
func New(shaderSPIRVPath string, proj geometry.ProjectionGeometry, sliceVol, previewVol geometry.VolumeGeometry) (*Reconstructor, error) {
	r := &Reconstructor{proj: proj, sliceVol: sliceVol, previewVol: previewVol}

	code, err := os.ReadFile(shaderSPIRVPath)
	if err != nil {
		return nil, fmt.Errorf("vulkan: reading shader %s: %w", shaderSPIRVPath, err)
	}

	if err := r.initVulkan(code); err != nil {
		r.Close()
		return nil, fmt.Errorf("vulkan: init: %w", err)
	}
	return r, nil
}

func (r *Reconstructor) initVulkan(shaderCode []byte) error {
	vulkanInitMutex.Lock()
	defer vulkanInitMutex.Unlock()
	if !vulkanInit {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return fmt.Errorf("loading Vulkan library: %w", err)
		}
		if err := vk.Init(); err != nil {
			return fmt.Errorf("initializing Vulkan loader: %w", err)
		}
		vulkanInit = true
	}

	if err := r.createInstance(); err != nil {
		return err
	}
	if err := r.selectPhysicalDevice(); err != nil {
		return err
	}
	if err := r.createDevice(); err != nil {
		return err
	}
	if err := r.createCommandPool(); err != nil {
		return err
	}
	if err := r.createDescriptorSetLayout(); err != nil {
		return err
	}
	if err := r.createComputePipeline(shaderCode); err != nil {
		return err
	}
	if err := r.createCommandBuffer(); err != nil {
		return err
	}
	return r.createFence()
}

func (r *Reconstructor) createInstance() error {
	createInfo := vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:            vk.StructureTypeApplicationInfo,
			ApiVersion:       vk.ApiVersion11,
			PEngineName:      "reconserver\x00",
			PApplicationName: "reconserver-fbp\x00",
		},
	}

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return fmt.Errorf("vkCreateInstance failed: %d", res)
	}
	r.instance = instance
	vk.InitInstance(instance)
	return nil
}

// selectPhysicalDevice picks the first device exposing a compute-capable
// queue family.
func (r *Reconstructor) selectPhysicalDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(r.instance, &count, nil)
	if count == 0 {
		return fmt.Errorf("no Vulkan-capable devices found")
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(r.instance, &count, devices)

	for _, device := range devices {
		var qCount uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(device, &qCount, nil)
		families := make([]vk.QueueFamilyProperties, qCount)
		vk.GetPhysicalDeviceQueueFamilyProperties(device, &qCount, families)
		for i, fam := range families {
			fam.Deref()
			if fam.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
				r.physicalDevice = device
				r.queueFamily = uint32(i)
				return nil
			}
		}
	}
	return fmt.Errorf("no device exposes a compute queue family")
}

func (r *Reconstructor) createDevice() error {
	priority := float32(1.0)
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: r.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{priority},
	}
	deviceInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueInfo},
	}

	var device vk.Device
	if res := vk.CreateDevice(r.physicalDevice, &deviceInfo, nil, &device); res != vk.Success {
		return fmt.Errorf("vkCreateDevice failed: %d", res)
	}
	r.device = device

	var queue vk.Queue
	vk.GetDeviceQueue(device, r.queueFamily, 0, &queue)
	r.queue = queue
	return nil
}

func (r *Reconstructor) createCommandPool() error {
	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: r.queueFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(r.device, &poolInfo, nil, &pool); res != vk.Success {
		return fmt.Errorf("vkCreateCommandPool failed: %d", res)
	}
	r.commandPool = pool
	return nil
}

func (r *Reconstructor) createCommandBuffer() error {
	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        r.commandPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(r.device, &allocInfo, buffers); res != vk.Success {
		return fmt.Errorf("vkAllocateCommandBuffers failed: %d", res)
	}
	r.commandBuffer = buffers[0]
	return nil
}

func (r *Reconstructor) createFence() error {
	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var fence vk.Fence
	if res := vk.CreateFence(r.device, &fenceInfo, nil, &fence); res != vk.Success {
		return fmt.Errorf("vkCreateFence failed: %d", res)
	}
	r.fence = fence
	return nil
}

// createDescriptorSetLayout declares the two storage-buffer bindings the
// shader reads (sinogram, geometry/push-constant data is passed as push
// constants instead) and writes (output voxels/pixels).
func (r *Reconstructor) createDescriptorSetLayout() error {
	bindings := []vk.DescriptorSetLayoutBinding{
		{Binding: 0, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 1, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
	}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(r.device, &layoutInfo, nil, &layout); res != vk.Success {
		return fmt.Errorf("vkCreateDescriptorSetLayout failed: %d", res)
	}
	r.descriptorSetLayout = layout

	poolSizes := []vk.DescriptorPoolSize{{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: 2}}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: 1,
		PPoolSizes:    poolSizes,
		MaxSets:       1,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(r.device, &poolInfo, nil, &pool); res != vk.Success {
		return fmt.Errorf("vkCreateDescriptorPool failed: %d", res)
	}
	r.descriptorPool = pool

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}
	sets := make([]vk.DescriptorSet, 1)
	if res := vk.AllocateDescriptorSets(r.device, &allocInfo, sets); res != vk.Success {
		return fmt.Errorf("vkAllocateDescriptorSets failed: %d", res)
	}
	r.descriptorSet = sets[0]
	return nil
}

func (r *Reconstructor) createShaderModule(code []byte) (vk.ShaderModule, error) {
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    sliceUint32(code),
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(r.device, &createInfo, nil, &module); res != vk.Success {
		return vk.NullShaderModule, fmt.Errorf("vkCreateShaderModule failed: %d", res)
	}
	return module, nil
}

func (r *Reconstructor) createComputePipeline(shaderCode []byte) error {
	module, err := r.createShaderModule(shaderCode)
	if err != nil {
		return err
	}
	r.shaderModule = module

	pushConstantRange := vk.PushConstantRange{
		StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		Offset:     0,
		Size:       80, // scalar header (32B) + optional base/xAxis/yAxis (3*16B)
	}
	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         1,
		PSetLayouts:            []vk.DescriptorSetLayout{r.descriptorSetLayout},
		PushConstantRangeCount: 1,
		PPushConstantRanges:    []vk.PushConstantRange{pushConstantRange},
	}
	var pipelineLayout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(r.device, &layoutInfo, nil, &pipelineLayout); res != vk.Success {
		return fmt.Errorf("vkCreatePipelineLayout failed: %d", res)
	}
	r.pipelineLayout = pipelineLayout

	stageInfo := vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  vk.ShaderStageComputeBit,
		Module: module,
		PName:  "main\x00",
	}
	pipelineInfo := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  stageInfo,
		Layout: pipelineLayout,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(r.device, vk.PipelineCache(vk.NullHandle), 1, []vk.ComputePipelineCreateInfo{pipelineInfo}, nil, pipelines); res != vk.Success {
		return fmt.Errorf("vkCreateComputePipelines failed: %d", res)
	}
	r.pipeline = pipelines[0]
	return nil
}

func sliceUint32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}
	return out
}

func (r *Reconstructor) findMemoryType(typeFilter uint32, props vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(r.physicalDevice, &memProps)
	memProps.Deref()
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		t := memProps.MemoryTypes[i]
		t.Deref()
		if typeFilter&(1<<i) != 0 && (vk.MemoryPropertyFlags(t.PropertyFlags)&props) == props {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no suitable memory type for filter %#x props %#x", typeFilter, props)
}

func (r *Reconstructor) createBuffer(size int, usage vk.BufferUsageFlagBits, props vk.MemoryPropertyFlagBits) (vk.Buffer, vk.DeviceMemory, error) {
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if res := vk.CreateBuffer(r.device, &bufferInfo, nil, &buffer); res != vk.Success {
		return vk.NullBuffer, vk.NullDeviceMemory, fmt.Errorf("vkCreateBuffer failed: %d", res)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(r.device, buffer, &req)
	req.Deref()

	typeIdx, err := r.findMemoryType(req.MemoryTypeBits, vk.MemoryPropertyFlags(props))
	if err != nil {
		return vk.NullBuffer, vk.NullDeviceMemory, err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: typeIdx,
	}
	var mem vk.DeviceMemory
	if res := vk.AllocateMemory(r.device, &allocInfo, nil, &mem); res != vk.Success {
		return vk.NullBuffer, vk.NullDeviceMemory, fmt.Errorf("vkAllocateMemory failed: %d", res)
	}
	if res := vk.BindBufferMemory(r.device, buffer, mem, 0); res != vk.Success {
		return vk.NullBuffer, vk.NullDeviceMemory, fmt.Errorf("vkBindBufferMemory failed: %d", res)
	}
	return buffer, mem, nil
}

// uploadHostVisible writes data into a freshly (re)allocated host-visible,
// host-coherent buffer, replacing any previous allocation.
func (r *Reconstructor) uploadHostVisible(buffer *vk.Buffer, memory *vk.DeviceMemory, capacity *int, data []byte, usage vk.BufferUsageFlagBits) error {
	if *capacity < len(data) {
		if *buffer != vk.NullBuffer {
			vk.DestroyBuffer(r.device, *buffer, nil)
			vk.FreeMemory(r.device, *memory, nil)
		}
		buf, mem, err := r.createBuffer(len(data), usage, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
		if err != nil {
			return err
		}
		*buffer, *memory, *capacity = buf, mem, len(data)
	}

	var mapped unsafe.Pointer
	if res := vk.MapMemory(r.device, *memory, 0, vk.DeviceSize(len(data)), 0, &mapped); res != vk.Success {
		return fmt.Errorf("vkMapMemory failed: %d", res)
	}
	dst := unsafe.Slice((*byte)(mapped), len(data))
	copy(dst, data)
	vk.UnmapMemory(r.device, *memory)
	return nil
}

// UploadSinograms copies data into the GPU storage buffer for bufferIdx.
func (r *Reconstructor) UploadSinograms(bufferIdx int, data []float32, count int) error {
	if bufferIdx != 0 && bufferIdx != 1 {
		return fmt.Errorf("vulkan: buffer index %d out of range [0,1]", bufferIdx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bytes := float32SliceToBytes(data)
	return r.uploadHostVisible(&r.sinogramBuffer[bufferIdx], &r.sinogramMemory[bufferIdx], &r.sinogramCap[bufferIdx], bytes, vk.BufferUsageStorageBufferBit)
}

// ReconstructSlice dispatches the compute shader over sliceW*sliceH
// invocations with the oriented slice's affine packed as push constants,
// then reads the result back through a host-visible staging buffer.
func (r *Reconstructor) ReconstructSlice(o geometry.Orientation, bufferIdx int, out []float32) error {
	w, h := r.sliceVol.ColCount, r.sliceVol.RowCount
	if len(out) != w*h {
		return fmt.Errorf("vulkan: slice output length %d != %d*%d", len(out), w, h)
	}
	push := packOrientationPushConstants(r.proj, o, w, h)
	return r.dispatchAndReadback(bufferIdx, push, w*h, out)
}

// ReconstructVolume dispatches the compute shader over the cubic preview
// volume's N^3 voxels.
func (r *Reconstructor) ReconstructVolume(bufferIdx int, out []float32) error {
	n := r.previewVol.ColCount
	if len(out) != n*n*n {
		return fmt.Errorf("vulkan: volume output length %d != %d^3", len(out), n)
	}
	push := packVolumePushConstants(r.proj, r.previewVol, n)
	return r.dispatchAndReadback(bufferIdx, push, n*n*n, out)
}

func (r *Reconstructor) dispatchAndReadback(bufferIdx int, pushConstants []byte, outputElems int, out []float32) error {
	if bufferIdx != 0 && bufferIdx != 1 {
		return fmt.Errorf("vulkan: buffer index %d out of range [0,1]", bufferIdx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	outBytes := outputElems * 4
	if r.outputCap < outBytes {
		if r.outputBuffer != vk.NullBuffer {
			vk.DestroyBuffer(r.device, r.outputBuffer, nil)
			vk.FreeMemory(r.device, r.outputMemory, nil)
		}
		buf, mem, err := r.createBuffer(outBytes, vk.BufferUsageStorageBufferBit, vk.MemoryPropertyDeviceLocalBit)
		if err != nil {
			return err
		}
		r.outputBuffer, r.outputMemory, r.outputCap = buf, mem, outBytes
	}

	writes := []vk.WriteDescriptorSet{
		{
			SType: vk.StructureTypeWriteDescriptorSet, DstSet: r.descriptorSet, DstBinding: 0,
			DescriptorCount: 1, DescriptorType: vk.DescriptorTypeStorageBuffer,
			PBufferInfo: []vk.DescriptorBufferInfo{{Buffer: r.sinogramBuffer[bufferIdx], Offset: 0, Range: vk.DeviceSize(r.sinogramCap[bufferIdx])}},
		},
		{
			SType: vk.StructureTypeWriteDescriptorSet, DstSet: r.descriptorSet, DstBinding: 1,
			DescriptorCount: 1, DescriptorType: vk.DescriptorTypeStorageBuffer,
			PBufferInfo: []vk.DescriptorBufferInfo{{Buffer: r.outputBuffer, Offset: 0, Range: vk.DeviceSize(outBytes)}},
		},
	}
	vk.UpdateDescriptorSets(r.device, uint32(len(writes)), writes, 0, nil)

	vk.ResetCommandBuffer(r.commandBuffer, 0)
	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	vk.BeginCommandBuffer(r.commandBuffer, &beginInfo)
	vk.CmdBindPipeline(r.commandBuffer, vk.PipelineBindPointCompute, r.pipeline)
	vk.CmdBindDescriptorSets(r.commandBuffer, vk.PipelineBindPointCompute, r.pipelineLayout, 0, 1, []vk.DescriptorSet{r.descriptorSet}, 0, nil)
	vk.CmdPushConstants(r.commandBuffer, r.pipelineLayout, vk.ShaderStageFlags(vk.ShaderStageComputeBit), 0, uint32(len(pushConstants)), unsafe.Pointer(&pushConstants[0]))
	const workgroupSize = 64
	groups := (outputElems + workgroupSize - 1) / workgroupSize
	vk.CmdDispatch(r.commandBuffer, uint32(groups), 1, 1)
	vk.EndCommandBuffer(r.commandBuffer)

	vk.ResetFences(r.device, 1, []vk.Fence{r.fence})
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{r.commandBuffer},
	}
	if res := vk.QueueSubmit(r.queue, 1, []vk.SubmitInfo{submitInfo}, r.fence); res != vk.Success {
		return fmt.Errorf("vkQueueSubmit failed: %d", res)
	}
	vk.WaitForFences(r.device, 1, []vk.Fence{r.fence}, vk.True, ^uint64(0))

	return r.readback(outBytes, out)
}

func (r *Reconstructor) readback(size int, out []float32) error {
	if r.stagingCap < size {
		if r.stagingBuffer != vk.NullBuffer {
			vk.DestroyBuffer(r.device, r.stagingBuffer, nil)
			vk.FreeMemory(r.device, r.stagingMemory, nil)
		}
		buf, mem, err := r.createBuffer(size, vk.BufferUsageTransferDstBit, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
		if err != nil {
			return err
		}
		r.stagingBuffer, r.stagingMemory, r.stagingCap = buf, mem, size
	}

	copyCmd := r.commandBuffer
	vk.ResetCommandBuffer(copyCmd, 0)
	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	vk.BeginCommandBuffer(copyCmd, &beginInfo)
	vk.CmdCopyBuffer(copyCmd, r.outputBuffer, r.stagingBuffer, 1, []vk.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: vk.DeviceSize(size)}})
	vk.EndCommandBuffer(copyCmd)

	vk.ResetFences(r.device, 1, []vk.Fence{r.fence})
	submitInfo := vk.SubmitInfo{SType: vk.StructureTypeSubmitInfo, CommandBufferCount: 1, PCommandBuffers: []vk.CommandBuffer{copyCmd}}
	vk.QueueSubmit(r.queue, 1, []vk.SubmitInfo{submitInfo}, r.fence)
	vk.WaitForFences(r.device, 1, []vk.Fence{r.fence}, vk.True, ^uint64(0))

	var mapped unsafe.Pointer
	if res := vk.MapMemory(r.device, r.stagingMemory, 0, vk.DeviceSize(size), 0, &mapped); res != vk.Success {
		return fmt.Errorf("vkMapMemory (readback) failed: %d", res)
	}
	src := unsafe.Slice((*float32)(mapped), size/4)
	copy(out, src)
	vk.UnmapMemory(r.device, r.stagingMemory)
	return nil
}

// Close tears down every Vulkan object this reconstructor created.
func (r *Reconstructor) Close() error {
	if r.device == vk.NullHandle {
		return nil
	}
	vk.DeviceWaitIdle(r.device)
	for i := range r.sinogramBuffer {
		if r.sinogramBuffer[i] != vk.NullBuffer {
			vk.DestroyBuffer(r.device, r.sinogramBuffer[i], nil)
			vk.FreeMemory(r.device, r.sinogramMemory[i], nil)
		}
	}
	if r.outputBuffer != vk.NullBuffer {
		vk.DestroyBuffer(r.device, r.outputBuffer, nil)
		vk.FreeMemory(r.device, r.outputMemory, nil)
	}
	if r.stagingBuffer != vk.NullBuffer {
		vk.DestroyBuffer(r.device, r.stagingBuffer, nil)
		vk.FreeMemory(r.device, r.stagingMemory, nil)
	}
	if r.pipeline != vk.NullHandle {
		vk.DestroyPipeline(r.device, r.pipeline, nil)
	}
	if r.pipelineLayout != vk.NullHandle {
		vk.DestroyPipelineLayout(r.device, r.pipelineLayout, nil)
	}
	if r.shaderModule != vk.NullHandle {
		vk.DestroyShaderModule(r.device, r.shaderModule, nil)
	}
	if r.descriptorPool != vk.NullHandle {
		vk.DestroyDescriptorPool(r.device, r.descriptorPool, nil)
	}
	if r.descriptorSetLayout != vk.NullHandle {
		vk.DestroyDescriptorSetLayout(r.device, r.descriptorSetLayout, nil)
	}
	if r.commandPool != vk.NullHandle {
		vk.DestroyCommandPool(r.device, r.commandPool, nil)
	}
	if r.fence != vk.NullHandle {
		vk.DestroyFence(r.device, r.fence, nil)
	}
	vk.DestroyDevice(r.device, nil)
	if r.instance != vk.NullHandle {
		vk.DestroyInstance(r.instance, nil)
	}
	return nil
}

func float32SliceToBytes(data []float32) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}
