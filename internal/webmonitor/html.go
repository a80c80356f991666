package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Liveness Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #0f172a; color: #e2e8f0; }
        .app { max-width: 1100px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .title { font-size: 20px; font-weight: 600; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; margin-top: 16px; }
        .panel { background: #1e293b; border-radius: 8px; padding: 12px; }
        .panel img, .panel video { width: 100%; border-radius: 6px; background: #000; }
        .badge { padding: 4px 10px; border-radius: 999px; font-weight: 600; }
        .badge-none { background: #94a3b8; color: #0f172a; }
        .badge-real { background: #22c55e; color: #052e16; }
        .badge-fake { background: #ef4444; color: #450a0a; }
        .badge-mixed { background: #eab308; color: #422006; }
        .kv { display: grid; grid-template-columns: auto 1fr; gap: 4px 12px; font-size: 14px; }
        .error { color: #fca5a5; margin-top: 8px; min-height: 1.2em; }
        ul { padding-left: 18px; font-size: 14px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Face Liveness Monitor</div>
            <span class="badge badge-none" id="status-badge">NONE</span>
        </div>

        <div class="grid">
            <div class="panel">
                <img id="overlay" src="/stream" alt="annotated stream">
                <video id="camera" autoplay playsinline muted style="display:none"></video>
                <canvas id="capture" style="display:none"></canvas>
            </div>
            <div class="panel">
                <div class="kv">
                    <span>Backend</span><span id="backend">-</span>
                    <span>Health</span><span id="health">unknown</span>
                    <span>Latency</span><span id="latency">-</span>
                    <span>Confidence</span><span id="confidence">-</span>
                    <span>Sampled</span><span id="sampled">0</span>
                    <span>Skipped</span><span id="skipped">0</span>
                </div>
                <div class="error" id="error"></div>
                <ul id="faces"></ul>
            </div>
        </div>
    </div>

    <script>
    (function () {
        const fps = 10;
        const badge = document.getElementById('status-badge');
        const video = document.getElementById('camera');
        const canvas = document.getElementById('capture');
        const ctx = canvas.getContext('2d');
        let ws = null;

        function render(st) {
            badge.textContent = (st.status || 'none').toUpperCase();
            badge.className = 'badge badge-' + (st.status || 'none');
            document.getElementById('health').textContent = st.health;
            document.getElementById('latency').textContent =
                st.latency_ms == null ? '-' : st.latency_ms.toFixed(0) + ' ms';
            document.getElementById('confidence').textContent =
                st.detections.length ? (st.max_confidence * 100).toFixed(1) + '%' : '-';
            document.getElementById('sampled').textContent = st.stats.sampler.emitted;
            document.getElementById('skipped').textContent = st.stats.guard.skipped;
            document.getElementById('error').textContent = st.error || '';
            const list = document.getElementById('faces');
            list.innerHTML = '';
            for (const d of st.detections) {
                const li = document.createElement('li');
                li.textContent = d.label + ' ' + (d.confidence * 100).toFixed(1) + '% @ ' +
                    d.bbox.x + ',' + d.bbox.y + ' ' + d.bbox.w + 'x' + d.bbox.h;
                list.appendChild(li);
            }
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(proto + location.host + '/ws');
            ws.binaryType = 'arraybuffer';
            ws.onmessage = (ev) => render(JSON.parse(ev.data));
            ws.onclose = () => setTimeout(connect, 2000);
        }

        function pump() {
            if (ws && ws.readyState === WebSocket.OPEN && video.videoWidth > 0) {
                canvas.width = video.videoWidth;
                canvas.height = video.videoHeight;
                ctx.drawImage(video, 0, 0);
                canvas.toBlob((blob) => {
                    if (blob && ws.readyState === WebSocket.OPEN) {
                        blob.arrayBuffer().then((buf) => ws.send(buf));
                    }
                }, 'image/jpeg', 0.85);
            }
            setTimeout(pump, 1000 / fps);
        }

        fetch('/api/health').then((r) => r.json()).then((h) => {
            document.getElementById('backend').textContent = h.backend;
        });

        connect();
        if (navigator.mediaDevices && navigator.mediaDevices.getUserMedia) {
            navigator.mediaDevices.getUserMedia({ video: { width: 640, height: 480 } })
                .then((stream) => { video.srcObject = stream; pump(); })
                .catch((err) => {
                    document.getElementById('error').textContent = 'Camera unavailable: ' + err.message;
                });
        }
    })();
    </script>
</body>
</html>
`
