package kernel

// AddArrays is the entry point name of the element-wise add kernel.
const AddArrays = "add_arrays"

// WorkgroupSize is the number of threads per workgroup declared by the
// built-in WGSL kernels.
const WorkgroupSize = 256

// builtinSource is the WGSL module for the built-in kernels.
// Binding 3 carries the element count so trailing threads of the last
// workgroup stay in bounds. Grids wider than one dispatch dimension allows
// are folded into rows of num_workgroups.x workgroups.
const builtinSource = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn add_arrays(
    @builtin(global_invocation_id) global_id: vec3<u32>,
    @builtin(num_workgroups) num_workgroups: vec3<u32>,
) {
    let idx = global_id.x + global_id.y * num_workgroups.x * 256u;
    if (idx < params.size) {
        result[idx] = a[idx] + b[idx];
    }
}
`

// addArrays computes result[gid] = a[gid] + b[gid].
func addArrays(buffers [][]float32, gid int) {
	a, b, result := buffers[0], buffers[1], buffers[2]
	if gid < len(result) && gid < len(a) && gid < len(b) {
		result[gid] = a[gid] + b[gid]
	}
}

// Builtin returns the default kernel library.
func Builtin() *Module {
	return NewModule("builtin", builtinSource).
		Add(Function{
			Name:          AddArrays,
			Bindings:      3,
			Outputs:       []int{2},
			WorkgroupSize: WorkgroupSize,
			Host:          addArrays,
		})
}
